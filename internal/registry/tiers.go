package registry

import "strings"

// Tier orders sources by preference. Selection walks tiers in order and
// only drops to the next tier when the current one has no usable source.
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
	TierTertiary
	TierFallback
)

var tiers = []Tier{TierPrimary, TierSecondary, TierTertiary, TierFallback}

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	case TierFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// ParseTier maps a config string to a Tier, defaulting to fallback.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return TierPrimary
	case "secondary":
		return TierSecondary
	case "tertiary":
		return TierTertiary
	default:
		return TierFallback
	}
}

// Status is the operational state of a source.
type Status int

const (
	StatusStandby Status = iota
	StatusActive
	StatusFailed
	StatusMaintenance
)

func (s Status) String() string {
	switch s {
	case StatusStandby:
		return "standby"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	case StatusMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// usable reports whether a source in this status may serve requests.
func (s Status) usable() bool {
	return s == StatusActive || s == StatusStandby
}
