package authapi

import (
	"sort"
	"sync"
	"time"
)

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// failureTracker remembers recent failed logins per key ("ip:..." or
// "email:..."). It is process-local; several replicas each throttle on
// their own view.
type failureTracker struct {
	mu        sync.Mutex
	retention time.Duration
	byKey     map[string][]time.Time
	lastSweep time.Time
}

func newFailureTracker(retention time.Duration) *failureTracker {
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	return &failureTracker{retention: retention, byKey: make(map[string][]time.Time)}
}

// Add records a failure for key at now.
func (t *failureTracker) Add(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[key] = append(t.prune(t.byKey[key], now), now)
	t.maybeSweep(now)
}

// Recent returns the failures for key still within retention, newest first.
func (t *failureTracker) Recent(key string, now time.Time) []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.prune(t.byKey[key], now)
	if len(kept) == 0 {
		delete(t.byKey, key)
		return nil
	}
	t.byKey[key] = kept

	out := make([]time.Time, len(kept))
	for i, ts := range kept {
		out[len(kept)-1-i] = ts
	}
	return out
}

// Reset forgets key.
func (t *failureTracker) Reset(key string) {
	t.mu.Lock()
	delete(t.byKey, key)
	t.mu.Unlock()
}

func (t *failureTracker) prune(ts []time.Time, now time.Time) []time.Time {
	cut := now.Add(-t.retention)
	i := 0
	for i < len(ts) && !ts[i].After(cut) {
		i++
	}
	return ts[i:]
}

func (t *failureTracker) maybeSweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.retention {
		return
	}
	t.lastSweep = now
	for k, ts := range t.byKey {
		if kept := t.prune(ts, now); len(kept) == 0 {
			delete(t.byKey, k)
		} else {
			t.byKey[k] = kept
		}
	}
}

// evaluateWindowThrottle blocks once limit failures fall inside window. The
// retry delay is the time until enough of them age out.
func evaluateWindowThrottle(now time.Time, failures []time.Time, limit int, window time.Duration) (bool, time.Duration) {
	if limit <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	in := make([]time.Time, 0, len(failures))
	for _, f := range failures {
		if f.After(cut) && !f.After(now) {
			in = append(in, f)
		}
	}
	if len(in) < limit {
		return false, 0
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Before(in[j]) })
	retry := in[len(in)-limit].Add(window).Sub(now)
	if retry <= 0 {
		return false, 0
	}
	return true, retry
}

// evaluateProgressiveLockout locks for the duration of the highest tier
// whose threshold is reached, counted from the most recent failure.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	latest := failures[0]
	for _, f := range failures[1:] {
		if f.After(latest) {
			latest = f
		}
	}

	var retry time.Duration
	for _, tier := range tiers {
		if tier.Threshold <= 0 || len(failures) < tier.Threshold {
			continue
		}
		if d := latest.Add(tier.Duration).Sub(now); d > retry {
			retry = d
		}
	}
	return retry > 0, retry
}
