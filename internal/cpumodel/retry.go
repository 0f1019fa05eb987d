package cpumodel

// RetryPredictor decides whether an LR/SC spin loop should resubmit its
// StoreConditional this tick or hold off and let the line settle. It is
// a deliberately simplified, single-table adaptation of the TAGE branch
// predictor's base table (proto/tage's Table 0: a directly-indexed array
// of saturating counters, no tagged history tables) — an LR/SC retry
// decision is a binary "likely to succeed soon" guess keyed by call
// site, not a direction history, so the tagged-table machinery that
// exists to disambiguate correlated branch history has nothing to key
// on here and is dropped rather than carried along unused.
type RetryPredictor struct {
	counters [retryTableSize]uint8
}

const (
	retryTableSize  = 1024
	retryCounterMax = 7
	retryNeutral    = 4
)

// NewRetryPredictor builds a predictor with every counter at the neutral
// midpoint, matching TAGE's base-table initialization.
func NewRetryPredictor() *RetryPredictor {
	p := &RetryPredictor{}
	for i := range p.counters {
		p.counters[i] = retryNeutral
	}
	return p
}

func retryIndex(key uint64) int {
	return int(key % retryTableSize)
}

// ShouldRetryNow reports whether the predictor's saturating counter for
// key currently favors an immediate resubmit (counter at or above the
// neutral midpoint) over waiting a tick.
func (p *RetryPredictor) ShouldRetryNow(key uint64) bool {
	return p.counters[retryIndex(key)] >= retryNeutral
}

// Update folds the outcome of one StoreConditional attempt back into the
// counter for key: a first-try success saturates it toward "always
// retry immediately", while reaching it only after other retries nudges
// it toward "wait a tick before resubmitting" (the LR/SC equivalent of a
// branch predictor training away from a direction that kept
// mispredicting).
func (p *RetryPredictor) Update(key uint64, succeededFirstTry bool) {
	idx := retryIndex(key)
	if succeededFirstTry {
		if p.counters[idx] < retryCounterMax {
			p.counters[idx]++
		}
	} else {
		if p.counters[idx] > 0 {
			p.counters[idx]--
		}
	}
}
