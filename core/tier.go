package core

import (
	"fmt"
	"strings"
)

// Tier is an ordered cost/capability band. The ordering is load-bearing:
// escalation only ever moves to a strictly higher tier.
type Tier int

const (
	// TierCheap is the lowest-cost band, used for simple sub-tasks
	TierCheap Tier = iota
	// TierCapable is the mid band for general engineering tasks
	TierCapable
	// TierPremium is the highest band, used for architecture and
	// security-critical work and as the savings baseline
	TierPremium
)

// String returns the canonical name of the tier
func (t Tier) String() string {
	switch t {
	case TierCheap:
		return "CHEAP"
	case TierCapable:
		return "CAPABLE"
	case TierPremium:
		return "PREMIUM"
	default:
		return "UNKNOWN"
	}
}

// Next returns the next higher tier and whether one exists
func (t Tier) Next() (Tier, bool) {
	if t >= TierPremium {
		return t, false
	}
	return t + 1, true
}

// ParseTier converts a string to a Tier. Matching is case-insensitive.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CHEAP":
		return TierCheap, nil
	case "CAPABLE":
		return TierCapable, nil
	case "PREMIUM":
		return TierPremium, nil
	default:
		return TierCheap, fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
}

// MarshalYAML implements yaml.Marshaler
func (t Tier) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (t *Tier) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON implements json.Marshaler
func (t Tier) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Tier) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
