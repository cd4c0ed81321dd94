package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/yourorg/ensuro-policy-ea/internal/policy"
)

// DecodeNewPolicyLogs decodes every NewPolicy event in logs. The event's data is the
// policy tuple, so it goes straight through the codec.
func DecodeNewPolicyLogs(codec *policy.Codec, logs []*ethtypes.Log) ([]policy.PolicyRecord, error) {
	topic := codec.Schema().EventTopic()
	if topic == (common.Hash{}) {
		return nil, fmt.Errorf("%w: schema %s is never emitted", ErrUnsupportedOperation, codec.Schema().Version)
	}

	var records []policy.PolicyRecord
	for _, l := range logs {
		if l == nil || len(l.Topics) == 0 || l.Topics[0] != topic {
			continue
		}
		rec, err := codec.DecodeBytes(l.Data)
		if err != nil {
			return nil, fmt.Errorf("log %d of tx %s: %w", l.Index, l.TxHash.Hex(), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DecodeNewPolicyReceipt returns the first policy created in receipt.
func DecodeNewPolicyReceipt(codec *policy.Codec, receipt *ethtypes.Receipt) (policy.PolicyRecord, error) {
	if receipt == nil {
		return policy.PolicyRecord{}, ErrNoNewPolicyEvent
	}
	records, err := DecodeNewPolicyLogs(codec, receipt.Logs)
	if err != nil {
		return policy.PolicyRecord{}, err
	}
	if len(records) == 0 {
		return policy.PolicyRecord{}, fmt.Errorf("%w: tx %s", ErrNoNewPolicyEvent, receipt.TxHash.Hex())
	}
	return records[0], nil
}
