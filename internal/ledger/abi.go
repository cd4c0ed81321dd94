package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Reads shared by every risk module, and the trustful newPolicy.
const riskModuleABI = `[
  {"type":"function","name":"params","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"tuple","components":[
      {"name":"moc","type":"uint256"},
      {"name":"jrCollRatio","type":"uint256"},
      {"name":"collRatio","type":"uint256"},
      {"name":"ensuroPpFee","type":"uint256"},
      {"name":"ensuroCocFee","type":"uint256"},
      {"name":"jrRoc","type":"uint256"},
      {"name":"srRoc","type":"uint256"}]}]},
  {"type":"function","name":"maxPayoutPerPolicy","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"exposureLimit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"maxDuration","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getMinimumPremium","stateMutability":"view","inputs":[
    {"name":"payout","type":"uint256"},
    {"name":"lossProb","type":"uint256"},
    {"name":"expiration","type":"uint40"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"newPolicy","stateMutability":"nonpayable","inputs":[
    {"name":"payout","type":"uint256"},
    {"name":"premium","type":"uint256"},
    {"name":"lossProb","type":"uint256"},
    {"name":"expiration","type":"uint40"},
    {"name":"onBehalfOf","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const signedQuoteABI = `[
  {"type":"function","name":"newPolicy","stateMutability":"nonpayable","inputs":[
    {"name":"payout","type":"uint256"},
    {"name":"premium","type":"uint256"},
    {"name":"lossProb","type":"uint256"},
    {"name":"expiration","type":"uint40"},
    {"name":"onBehalfOf","type":"address"},
    {"name":"policyData","type":"bytes32"},
    {"name":"quoteSignatureR","type":"bytes32"},
    {"name":"quoteSignatureVS","type":"bytes32"},
    {"name":"quoteValidUntil","type":"uint40"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const flightDelayABI = `[
  {"type":"function","name":"resolvePolicy","stateMutability":"nonpayable","inputs":[
    {"name":"policyId","type":"uint256"}],"outputs":[]}
]`

var (
	rmABI         = mustParseABI(riskModuleABI)
	signedQuoteRM = mustParseABI(signedQuoteABI)
	flightDelayRM = mustParseABI(flightDelayABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
