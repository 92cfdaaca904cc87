package locks_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	k, err := locks.New(100)
	require.Nil(t, err)

	key := locks.Key(locks.KindDonation, uuid.New())
	counter := 0
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), key)
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()

			// Guarded by the lock
			c := counter
			counter = c + 1
		}()
	}

	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestLockDifferentKeys(t *testing.T) {
	k, err := locks.New(100)
	require.Nil(t, err)

	unlockA, err := k.Lock(context.Background(), locks.Key(locks.KindRoundUp, uuid.New()))
	require.Nil(t, err)
	defer unlockA()

	// Does not block on the first lock
	unlockB, err := k.Lock(context.Background(), locks.Key(locks.KindRoundUp, uuid.New()))
	require.Nil(t, err)
	unlockB()
}

func TestHeldLockSurvivesEviction(t *testing.T) {
	k, err := locks.New(1)
	require.Nil(t, err)

	key := locks.Key(locks.KindPayout, uuid.New())
	unlock, err := k.Lock(context.Background(), key)
	require.Nil(t, err)

	// Push the held key out of the idle cache
	for range 20 {
		other, err := k.Lock(context.Background(), locks.Key(locks.KindPayout, uuid.New()))
		require.Nil(t, err)
		other()
	}

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := k.Lock(context.Background(), key)
		if err != nil {
			t.Error(err)
			return
		}
		acquired.Store(true)
		second()
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, acquired.Load(), "the key is still held")

	unlock()
	<-done
	assert.True(t, acquired.Load())
	assert.Equal(t, 0, k.Held())

	// Releasing twice is a no-op
	unlock()
	assert.Equal(t, 0, k.Held())
}
