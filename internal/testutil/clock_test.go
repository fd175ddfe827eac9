package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAtEpoch(t *testing.T) {
	clock := NewClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestClock_StartsAtGivenTime(t *testing.T) {
	start := time.Date(2030, 6, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	clock := NewClock(start)

	assert.True(t, clock.Now().Equal(start))
	assert.Equal(t, time.UTC, clock.Now().Location())
}

func TestClock_DoesNotMoveOnItsOwn(t *testing.T) {
	clock := NewClock(time.Time{})
	first := clock.Now()
	time.Sleep(time.Millisecond)
	assert.Equal(t, first, clock.Now())
}

func TestClock_Advance(t *testing.T) {
	clock := NewClock(time.Time{})

	got := clock.Advance(30 * time.Minute)

	assert.Equal(t, Epoch.Add(30*time.Minute), got)
	assert.Equal(t, got, clock.Now())
}

func TestClock_Set(t *testing.T) {
	clock := NewClock(time.Time{})
	target := Epoch.Add(48 * time.Hour)

	clock.Set(target)

	assert.Equal(t, target, clock.Now())
}

func TestClock_ThreadSafe(t *testing.T) {
	clock := NewClock(time.Time{})
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(numGoroutines*time.Second), clock.Now())
}
