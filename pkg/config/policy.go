package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DealPolicy is a YAML profile of negotiation defaults for a class of deals
// (e.g. bilateral vs. broadly syndicated).
type DealPolicy struct {
	Name                    string  `yaml:"name" json:"name"`
	NegotiationMode         string  `yaml:"negotiation_mode" json:"negotiation_mode"`
	RequireUnanimousConsent bool    `yaml:"require_unanimous_consent" json:"require_unanimous_consent"`
	AppendRatePerSecond     float64 `yaml:"append_rate_per_second,omitempty" json:"append_rate_per_second,omitempty"`
	AppendBurst             int     `yaml:"append_burst,omitempty" json:"append_burst,omitempty"`
}

// DefaultDealPolicy is the policy used when no profile is configured.
func DefaultDealPolicy() *DealPolicy {
	return &DealPolicy{
		Name:                    "default",
		NegotiationMode:         "collaborative",
		RequireUnanimousConsent: false,
	}
}

// LoadDealPolicy reads and validates a DealPolicy YAML file.
func LoadDealPolicy(path string) (*DealPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deal policy %s: %w", path, err)
	}

	policy := DefaultDealPolicy()
	if err := yaml.Unmarshal(raw, policy); err != nil {
		return nil, fmt.Errorf("failed to parse deal policy %s: %w", path, err)
	}

	switch policy.NegotiationMode {
	case "collaborative", "proposal_based":
	default:
		return nil, fmt.Errorf("deal policy %s: unknown negotiation_mode %q", path, policy.NegotiationMode)
	}
	if policy.AppendRatePerSecond < 0 || policy.AppendBurst < 0 {
		return nil, fmt.Errorf("deal policy %s: rate limits must be non-negative", path)
	}
	return policy, nil
}
