package validation

import (
	"fmt"
	"math"
	"time"

	"mdpipeline/internal/model"
)

// fastChecks runs the structural and basic sanity checks every tick gets.
// A structural failure short-circuits: garbage data earns no soft checks.
func (v *Validator) fastChecks(t model.Tick, now time.Time) []finding {
	var out []finding
	if t.Price <= 0 {
		out = append(out, finding{
			reason: fmt.Sprintf("non-positive price %.2f", t.Price),
			status: model.StatusFailed,
			action: model.ActionReject,
		})
	}
	if t.Volume < 0 {
		out = append(out, finding{
			reason: fmt.Sprintf("negative volume %d", t.Volume),
			status: model.StatusFailed,
			action: model.ActionReject,
		})
	}
	if t.TS.After(now) {
		out = append(out, finding{
			reason: "timestamp in the future",
			status: model.StatusFailed,
			action: model.ActionReject,
		})
	}
	if len(out) > 0 {
		return out
	}

	if age := now.Sub(t.TS); age > v.cfg.MaxStaleness {
		out = append(out, finding{
			reason:  fmt.Sprintf("stale data: age %s exceeds %s", age.Round(time.Second), v.cfg.MaxStaleness),
			status:  model.StatusDiscrepancy,
			action:  model.ActionRetry,
			penalty: 0.2,
		})
	}
	if prev, ok := v.series.Last(t.Symbol); ok && prev > 0 {
		jump := math.Abs(t.Price-prev) / prev
		if jump > v.cfg.MaxTickJump {
			out = append(out, finding{
				reason:  fmt.Sprintf("price jump %.1f%% from %.2f", jump*100, prev),
				status:  model.StatusDiscrepancy,
				action:  model.ActionCrossValidate,
				penalty: 0.3,
			})
		}
	}
	return out
}
