// Package locks serializes work on the same entity within one process.
//
// The database checks (versions, compare-and-set updates, unique indices) stay
// authoritative. The locks keep concurrent requests for the same entity from
// failing each other's checks.
package locks

import (
	"context"
	"fmt"
	"sync"

	"github.com/Yiling-J/theine-go"
	"github.com/google/uuid"
)

type entry struct {
	mu   sync.Mutex
	refs int // Holders and waiters, guarded by Keyed.mu
}

// Keyed hands out one mutex per key.
//
// Idle mutexes live in a size bounded cache. A mutex that is held or waited
// for is pinned in held until its last user releases it, so cache eviction
// never splits a key across two mutexes.
type Keyed struct {
	cache *theine.LoadingCache[string, *entry]

	mu   sync.Mutex
	held map[string]*entry
}

// New creates a Keyed lock set that keeps up to size idle mutexes.
func New(size int64) (*Keyed, error) {
	cache, err := theine.NewBuilder[string, *entry](size).BuildWithLoader(func(_ context.Context, _ string) (theine.Loaded[*entry], error) {
		return theine.Loaded[*entry]{
			Value: &entry{},
			Cost:  1,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not build lock cache: %w", err)
	}

	return &Keyed{
		cache: cache,
		held:  make(map[string]*entry),
	}, nil
}

// Lock blocks until the lock for the key is held and returns the function
// that releases it.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	e, err := k.acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.release(key)
		})
	}, nil
}

// acquire pins the entry for the key.
func (k *Keyed) acquire(ctx context.Context, key string) (*entry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.held[key]
	if !ok {
		var err error
		e, err = k.cache.Get(ctx, key)
		if err != nil || e == nil {
			return nil, fmt.Errorf("could not acquire lock for %s: %w", key, err)
		}

		k.held[key] = e
	}

	e.refs++
	return e, nil
}

func (k *Keyed) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e := k.held[key]
	e.refs--
	if e.refs == 0 {
		delete(k.held, key)
	}
}

// Held returns the number of keys that are currently locked or waited for.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.held)
}

// Key builds a lock key for an entity.
func Key(kind string, id uuid.UUID) string {
	return kind + ":" + id.String()
}

// Lock kinds.
const (
	KindRoundUp      = "roundup"
	KindDonation     = "donation"
	KindOrganization = "organization"
	KindBank         = "bank"
	KindPayout       = "payout"
)
