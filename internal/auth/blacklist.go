package auth

import (
	"context"
	"sync"
	"time"
)

// Blacklist records token ids (jti) that were invalidated before their
// natural expiry. Entries become irrelevant once the token would have
// expired anyway, so implementations may drop them at any point past
// expiresAt.
type Blacklist interface {
	Add(ctx context.Context, jti string, expiresAt time.Time) error
	// Has must report false for entries whose expiry has passed even if
	// physical cleanup has not run yet.
	Has(ctx context.Context, jti string) (bool, error)
	Remove(ctx context.Context, jti string) error
	Cleanup(ctx context.Context) error
	Shutdown()
}

// MemoryBlacklist is an in-process Blacklist backed by a map with a
// periodic sweep. Correctness never depends on the sweep cadence: Has
// applies lazy expiry on read.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time

	now func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type memoryBlacklistConfig struct {
	sweepEvery time.Duration
	clock      func() time.Time
}

// NewMemoryBlacklist constructs the blacklist. A sweepEvery of zero
// disables the background sweep entirely; callers may still invoke
// Cleanup themselves.
func NewMemoryBlacklist(sweepEvery time.Duration, opts ...func(*memoryBlacklistConfig)) *MemoryBlacklist {
	cfg := &memoryBlacklistConfig{sweepEvery: sweepEvery, clock: time.Now}
	for _, opt := range opts {
		opt(cfg)
	}
	b := &MemoryBlacklist{
		entries: make(map[string]time.Time),
		now:     cfg.clock,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.sweepEvery > 0 {
		go b.sweep(cfg.sweepEvery)
	} else {
		close(b.done)
	}
	return b
}

// WithBlacklistClock overrides the time source (useful for tests).
func WithBlacklistClock(fn func() time.Time) func(*memoryBlacklistConfig) {
	return func(cfg *memoryBlacklistConfig) {
		if fn != nil {
			cfg.clock = fn
		}
	}
}

func (b *MemoryBlacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return ErrInvalidInput
	}
	if !expiresAt.After(b.now()) {
		// Already expired tokens are rejected by expiry checks alone.
		return nil
	}
	b.mu.Lock()
	b.entries[jti] = expiresAt
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlacklist) Has(ctx context.Context, jti string) (bool, error) {
	b.mu.RLock()
	expiresAt, ok := b.entries[jti]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !expiresAt.After(b.now()) {
		return false, nil
	}
	return true, nil
}

func (b *MemoryBlacklist) Remove(ctx context.Context, jti string) error {
	b.mu.Lock()
	delete(b.entries, jti)
	b.mu.Unlock()
	return nil
}

// Cleanup drops entries whose expiry has passed.
func (b *MemoryBlacklist) Cleanup(ctx context.Context) error {
	now := b.now()
	b.mu.Lock()
	for jti, expiresAt := range b.entries {
		if !expiresAt.After(now) {
			delete(b.entries, jti)
		}
	}
	b.mu.Unlock()
	return nil
}

// Len reports the number of physically stored entries, expired or not.
func (b *MemoryBlacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Shutdown stops the background sweep and waits for it to exit. Safe to
// call more than once.
func (b *MemoryBlacklist) Shutdown() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	<-b.done
}

func (b *MemoryBlacklist) sweep(every time.Duration) {
	defer close(b.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = b.Cleanup(context.Background())
		case <-b.stop:
			return
		}
	}
}
