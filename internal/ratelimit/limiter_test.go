package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAllowBurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := New(1, 3, WithClock(clock.now))

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "attempt %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	// Keys are independent.
	assert.True(t, l.Allow("10.0.0.2"))

	clock.advance(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := New(0, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("k"))
	}
	assert.Equal(t, 0, l.Len())
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := New(1, 5, WithClock(clock.now))

	l.Allow("old")
	clock.advance(30 * time.Second)
	l.Allow("recent")
	assert.Equal(t, 2, l.Len())

	clock.advance(45 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())

	clock.advance(time.Minute)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Len())
}
