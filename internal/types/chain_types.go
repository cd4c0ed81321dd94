// Package types contains shared type definitions used across multiple packages
package types

import (
	"fmt"
	"strings"
)

// RiskModuleType is the contract flavour of a risk module
type RiskModuleType string

// Supported risk modules
const (
	TrustfulRiskModule    RiskModuleType = "TrustfulRiskModule"
	SignedQuoteRiskModule RiskModuleType = "SignedQuoteRiskModule"
	FlightDelayRiskModule RiskModuleType = "FlightDelayRiskModule"
)

// RiskModuleTypes lists every supported type
func RiskModuleTypes() []RiskModuleType {
	return []RiskModuleType{TrustfulRiskModule, SignedQuoteRiskModule, FlightDelayRiskModule}
}

// ParseRiskModuleType matches s case-insensitively
func ParseRiskModuleType(s string) (RiskModuleType, error) {
	for _, t := range RiskModuleTypes() {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown risk module type %q", s)
}

// RequiresQuote reports whether new policies need a signed quote
func (t RiskModuleType) RequiresQuote() bool { return t == SignedQuoteRiskModule }

// LedgerConfig holds the connection settings for the risk module contract
type LedgerConfig struct {
	RPCEndpoint string         `json:"rpc_endpoint" yaml:"rpc_endpoint"`
	RiskModule  string         `json:"risk_module" yaml:"risk_module"`
	Type        RiskModuleType `json:"type" yaml:"type"`
}
