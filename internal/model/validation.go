package model

import (
	"fmt"
	"time"
)

// Tier identifies a validation depth. Higher tiers run strictly more checks
// than lower tiers within a larger latency budget.
type Tier int

const (
	TierFast        Tier = iota // structural checks, <5ms budget
	TierCrossSource             // fast + reference comparison, <20ms budget
	TierDeep                    // cross-source + statistical anomaly checks, <50ms budget
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierCrossSource:
		return "cross_source"
	case TierDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// Promote returns the next-deeper tier, saturating at TierDeep.
func (t Tier) Promote() Tier {
	if t >= TierDeep {
		return TierDeep
	}
	return t + 1
}

// Demote returns the next-shallower tier, saturating at TierFast.
func (t Tier) Demote() Tier {
	if t <= TierFast {
		return TierFast
	}
	return t - 1
}

// MarshalJSON encodes the tier as its name so cached payloads stay readable.
func (t Tier) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// ParseTier maps a tier name to its value, defaulting to TierFast.
func ParseTier(s string) Tier {
	switch s {
	case "cross_source":
		return TierCrossSource
	case "deep":
		return TierDeep
	default:
		return TierFast
	}
}

// UnmarshalJSON accepts the names produced by MarshalJSON.
func (t *Tier) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"fast"`:
		*t = TierFast
	case `"cross_source"`:
		*t = TierCrossSource
	case `"deep"`:
		*t = TierDeep
	default:
		return fmt.Errorf("unknown validation tier %s", b)
	}
	return nil
}

// Status is the overall outcome of validating one tick.
type Status int

const (
	StatusValidated   Status = iota // all checks passed
	StatusDiscrepancy               // data delivered but at least one check flagged it
	StatusFailed                    // structurally invalid, must not be served
)

func (s Status) String() string {
	switch s {
	case StatusValidated:
		return "validated"
	case StatusDiscrepancy:
		return "discrepancy_detected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as its name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Action is the recommended handling for a validated tick. Exactly one action
// accompanies every validation result.
type Action int

const (
	ActionUsePrimary     Action = iota // data is clean, use as-is
	ActionUseWithCaution               // minor doubt, usable with degraded confidence
	ActionCrossValidate                // confirm against another source before trusting
	ActionUseConsensus                 // prefer a consensus price over this observation
	ActionInvestigate                  // statistical anomaly, surface for review
	ActionReject                       // structurally invalid, drop
	ActionRetry                        // validation itself failed, try again
)

func (a Action) String() string {
	switch a {
	case ActionUsePrimary:
		return "use_primary_data"
	case ActionUseWithCaution:
		return "use_with_caution"
	case ActionCrossValidate:
		return "cross_validate"
	case ActionUseConsensus:
		return "use_consensus_price"
	case ActionInvestigate:
		return "investigate_anomaly"
	case ActionReject:
		return "reject_data"
	case ActionRetry:
		return "retry_validation"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the action as its name.
func (a Action) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// ValidationResult is the immutable outcome of validating a single tick.
type ValidationResult struct {
	Symbol         string        `json:"symbol"`
	Status         Status        `json:"status"`
	Confidence     float64       `json:"confidence"` // [0,1]
	Tier           Tier          `json:"tier"`       // tier that actually ran
	Action         Action        `json:"action"`
	Reasons        []string      `json:"reasons,omitempty"`         // human-readable check failures
	ConsensusPrice float64       `json:"consensus_price,omitempty"` // set with ActionUseConsensus
	Elapsed        time.Duration `json:"elapsed_ns"`                // measured validation time
}

// Usable reports whether the validated data may be served to consumers.
// Discrepant data is still usable; only structural failures are not.
func (r *ValidationResult) Usable() bool {
	return r.Status != StatusFailed
}
