package validation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"mdpipeline/internal/model"
)

// deepChecks runs statistical anomaly detection: z-score against the
// symbol's own window, and trend/correlation analysis against the
// symbol's configured group.
func (v *Validator) deepChecks(t model.Tick, now time.Time) []finding {
	var out []finding

	if z, ok := v.series.ZScore(t.Symbol, t.Price, v.cfg.MinHistory); ok && math.Abs(z) > v.cfg.ZScoreLimit {
		out = append(out, finding{
			reason:  fmt.Sprintf("z-score %.1f beyond %.1f", z, v.cfg.ZScoreLimit),
			status:  model.StatusDiscrepancy,
			action:  model.ActionInvestigate,
			penalty: 0.25,
		})
	}

	if group := v.groupOf[t.Symbol]; group != "" {
		out = append(out, v.groupChecks(t, group)...)
	}

	if len(out) > 0 {
		v.maybeAnomalyAlert(t.Symbol, out, now)
	}
	return out
}

// groupChecks compares the symbol's movement against its correlated
// group: a trend far off the group average, or most of the group moving
// the other way, is an anomaly.
func (v *Validator) groupChecks(t model.Tick, group string) []finding {
	symChange, ok := v.pctChange(t.Symbol, t.Price)
	if !ok {
		return nil
	}

	var out []finding
	var peerChanges []float64
	moving, opposite := 0, 0
	symDir := sign(symChange)

	for _, m := range v.groups[group] {
		if m == t.Symbol {
			continue
		}
		snap, ok := v.series.Snapshot(m)
		if !ok || snap.Count < 2 {
			continue
		}
		vals := v.series.Values(m)
		if first := vals[0]; first > 0 {
			peerChanges = append(peerChanges, (snap.Last-first)/first)
		}
		if snap.Direction == 0 {
			continue
		}
		moving++
		if symDir != 0 && snap.Direction != symDir {
			opposite++
		}
	}

	if len(peerChanges) > 0 {
		avg := meanOf(peerChanges)
		if div := math.Abs(symChange - avg); div > v.cfg.TrendDivergence {
			out = append(out, finding{
				reason:  fmt.Sprintf("trend diverges %.1f%% from group %s", div*100, group),
				status:  model.StatusDiscrepancy,
				action:  model.ActionInvestigate,
				penalty: 0.25,
			})
		}
	}
	if moving >= 2 && symDir != 0 {
		if frac := float64(opposite) / float64(moving); frac > v.cfg.CorrelationBreak {
			out = append(out, finding{
				reason:  fmt.Sprintf("%.0f%% of group %s moving opposite", frac*100, group),
				status:  model.StatusDiscrepancy,
				action:  model.ActionInvestigate,
				penalty: 0.25,
			})
		}
	}
	return out
}

// pctChange is the fractional move from the oldest held observation to
// price. Needs at least two prior observations to call it a trend.
func (v *Validator) pctChange(symbol string, price float64) (float64, bool) {
	vals := v.series.Values(symbol)
	if len(vals) < 2 || vals[0] <= 0 {
		return 0, false
	}
	return (price - vals[0]) / vals[0], true
}

// maybeAnomalyAlert raises a validation_anomaly alert for the symbol,
// throttled so a noisy symbol cannot flood the alert channel.
func (v *Validator) maybeAnomalyAlert(symbol string, findings []finding, now time.Time) {
	v.mu.Lock()
	last := v.lastAnomaly[symbol]
	if now.Sub(last) < anomalyAlertInterval {
		v.mu.Unlock()
		return
	}
	v.lastAnomaly[symbol] = now
	v.mu.Unlock()

	reasons := make([]string, len(findings))
	for i, f := range findings {
		reasons[i] = f.reason
	}
	v.alert(model.NewAlert(model.AlertValidationAnomaly, model.SeverityMedium,
		fmt.Sprintf("%s: %s", symbol, strings.Join(reasons, "; "))))
}
