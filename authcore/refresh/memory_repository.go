package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/threading"
)

// entry pairs a revoked key with its self-expiry instant.
type entry struct {
	expiresAt time.Time
}

// MemoryRepository is an in-process Repository backed by two maps
// (nonces, families) guarded by a single RWMutex, with a background
// goroutine sweeping expired entries so the maps do not grow unbounded.
// Adequate for a single-process deployment or as the L1-only fallback
// when no shared Redis repository is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	nonces   map[string]entry
	families map[string]entry
}

// NewMemoryRepository starts the repository and its cleanup sweep, which
// runs every interval until ctx is cancelled.
func NewMemoryRepository(ctx context.Context, sweepInterval time.Duration) *MemoryRepository {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	r := &MemoryRepository{
		nonces:   make(map[string]entry),
		families: make(map[string]entry),
	}
	threading.GoSafe(func() { r.sweepLoop(ctx, sweepInterval) })
	return r
}

func (r *MemoryRepository) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *MemoryRepository) sweep() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.nonces {
		if now.After(e.expiresAt) {
			delete(r.nonces, k)
		}
	}
	for k, e := range r.families {
		if now.After(e.expiresAt) {
			delete(r.families, k)
		}
	}
}

func (r *MemoryRepository) IsRevoked(_ context.Context, nonce string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nonces[nonce]
	return ok && time.Now().Before(e.expiresAt), nil
}

func (r *MemoryRepository) Revoke(_ context.Context, nonce string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nonces[nonce] = entry{expiresAt: time.Now().Add(ttl)}
	return nil
}

func (r *MemoryRepository) RevokeFamily(_ context.Context, familyID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[familyID] = entry{expiresAt: time.Now().Add(ttl)}
	return nil
}

func (r *MemoryRepository) IsFamilyRevoked(_ context.Context, familyID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.families[familyID]
	return ok && time.Now().Before(e.expiresAt), nil
}
