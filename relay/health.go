package relay

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// HealthChecker answers whether the checkpoint height has advanced since the
// previous probe. A stalled height means the daemon needs operator attention.
type HealthChecker struct {
	store CheckpointStore
	key   string

	mu   sync.Mutex
	prev int64
}

// NewHealthChecker primes the checker with the current checkpoint height.
// It fails when no height exists yet; the daemon writes an initial
// checkpoint before serving probes.
func NewHealthChecker(ctx context.Context, store CheckpointStore, key string) (*HealthChecker, error) {
	height, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if height == HeightNone {
		return nil, errors.Newf("no starting height found for checkpoint %q", key)
	}
	return &HealthChecker{store: store, key: key, prev: height}, nil
}

// Check returns the current height and whether it increased since the last
// probe.
func (hc *HealthChecker) Check(ctx context.Context) (int64, bool, error) {
	height, err := hc.store.Get(ctx, hc.key)
	if err != nil {
		return 0, false, err
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	progressed := height > hc.prev
	hc.prev = height
	return height, progressed, nil
}
