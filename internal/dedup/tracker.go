package dedup

import (
	"context"
	"sync"
	"time"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
	"go.uber.org/zap"
)

// RecentDeliveryTracker decides whether a webhook delivery for a lead should
// proceed or be suppressed as a rapid duplicate. It runs before any expensive
// work (CRM fetch, DB transaction) and is best effort only: the transactional
// recorder, not this tracker, guarantees at-most-one row per transition.
type RecentDeliveryTracker interface {
	// Record notes a delivery for the lead at the given time and reports
	// whether it should be suppressed.
	Record(ctx context.Context, leadID string, now time.Time) (bool, error)
	// Stop releases any background resources held by the tracker.
	Stop()
}

// MemoryTracker keeps per-lead delivery timestamps in process memory. Safe for
// concurrent use; only safe as the sole dedup mechanism when exactly one
// instance of the service runs. Multi-instance deployments should use the
// Redis tracker instead.
type MemoryTracker struct {
	mu        sync.Mutex
	seen      map[string][]time.Time
	window    time.Duration
	threshold int
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewMemoryTracker creates an in-memory tracker and starts its prune loop.
// A threshold of 1 suppresses every delivery after the first inside the
// window, which is what prevents two near-simultaneous notifications from
// both reaching the recorder.
func NewMemoryTracker(window time.Duration, threshold int, pruneInterval time.Duration) *MemoryTracker {
	if threshold < 1 {
		threshold = 1
	}
	t := &MemoryTracker{
		seen:      make(map[string][]time.Time),
		window:    window,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
	go t.pruneLoop(pruneInterval)
	return t
}

// Record implements RecentDeliveryTracker.
func (t *MemoryTracker) Record(_ context.Context, leadID string, now time.Time) (bool, error) {
	cutoff := now.Add(-t.window)

	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.seen[leadID][:0]
	for _, ts := range t.seen[leadID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	suppressed := len(recent) >= t.threshold
	recent = append(recent, now)
	t.seen[leadID] = recent

	return suppressed, nil
}

// Stop terminates the prune loop.
func (t *MemoryTracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

func (t *MemoryTracker) pruneLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.prune(time.Now())
		}
	}
}

// prune drops entries older than twice the window to bound memory.
func (t *MemoryTracker) prune(now time.Time) {
	cutoff := now.Add(-2 * t.window)

	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped int
	for leadID, stamps := range t.seen {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(t.seen, leadID)
			dropped++
		} else {
			t.seen[leadID] = kept
		}
	}

	if dropped > 0 && logger.Log != nil {
		logger.Log.Debug("Pruned dedup tracker entries",
			zap.Int("leads_dropped", dropped),
			zap.Int("leads_remaining", len(t.seen)),
		)
	}
}
