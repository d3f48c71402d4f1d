package state

import "time"

// startLimiter implements the start-rate-limiter spec.md §4.6 refers
// to: a unit may start at most burst times within interval before
// further starts are rejected with start_limit_hit. No third-party
// rate limiter appears anywhere in the retrieved corpus, so this is a
// small stdlib sliding-window counter rather than an imported library.
type startLimiter struct {
	burst    int
	interval time.Duration
	starts   map[string][]time.Time
}

func newStartLimiter(burst int, interval time.Duration) *startLimiter {
	return &startLimiter{burst: burst, interval: interval, starts: make(map[string][]time.Time)}
}

// allow records a start attempt for unitName at now and reports
// whether it is within the configured burst/interval budget.
func (l *startLimiter) allow(unitName string, now time.Time) bool {
	cutoff := now.Add(-l.interval)
	history := l.starts[unitName]

	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.burst {
		l.starts[unitName] = kept
		return false
	}

	l.starts[unitName] = append(kept, now)
	return true
}
