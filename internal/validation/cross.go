package validation

import (
	"fmt"
	"math"

	"mdpipeline/internal/model"
)

// crossChecks compares the tick against the symbol's rolling consensus.
// A deviation beyond tolerance still passes when recent volatility
// explains it, or when history is too short to judge and the deviation
// stays inside the sparse tolerance.
func (v *Validator) crossChecks(t model.Tick) []finding {
	vals := v.series.Values(t.Symbol)
	if len(vals) == 0 {
		return nil
	}
	ref := vals
	if len(ref) > v.cfg.MinHistory {
		ref = ref[len(ref)-v.cfg.MinHistory:]
	}
	mean := meanOf(ref)
	if mean <= 0 {
		return nil
	}

	dev := math.Abs(t.Price-mean) / mean
	if dev <= v.cfg.CrossTolerance {
		return nil
	}
	if len(vals) >= v.cfg.MinHistory {
		if sd := stdDevOf(ref, mean); sd > 0 && math.Abs(t.Price-mean) <= v.cfg.SigmaBand*sd {
			return nil // volatile symbol, the band explains the move
		}
	} else if dev <= v.cfg.SparseTolerance {
		return nil
	}

	return []finding{{
		reason:    fmt.Sprintf("%.1f%% deviation from consensus %.2f", dev*100, mean),
		status:    model.StatusDiscrepancy,
		action:    model.ActionUseConsensus,
		penalty:   0.4,
		consensus: mean,
	}}
}
