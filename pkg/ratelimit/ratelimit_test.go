package ratelimit

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func newTestLimiter(clock *fakeClock) *Limiter {
	return New(testLogger(), Config{
		RequestsPerMinute: 60,
		Burst:             10,
		BlockDuration:     300 * time.Second,
	}, WithClock(clock.Now))
}

func TestCheckBurstThenRejects(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 10; i++ {
		d := l.Check("caller")
		require.True(t, d.Allowed, "call %d should be allowed", i+1)
		require.Zero(t, d.RetryAfter)
	}

	d := l.Check("caller")
	require.False(t, d.Allowed)
	require.Equal(t, 1, d.RetryAfter)

	clock.Advance(time.Duration(d.RetryAfter) * time.Second)

	require.True(t, l.Check("caller").Allowed)
}

func TestCheckRetryAfterScalesWithRate(t *testing.T) {
	clock := newFakeClock()
	l := New(testLogger(), Config{
		RequestsPerMinute: 6,
		Burst:             1,
		BlockDuration:     time.Minute,
	}, WithClock(clock.Now))

	require.True(t, l.Check("caller").Allowed)

	d := l.Check("caller")
	require.False(t, d.Allowed)
	require.Equal(t, 10, d.RetryAfter)

	clock.Advance(5 * time.Second)

	d = l.Check("caller")
	require.False(t, d.Allowed)
	require.Equal(t, 5, d.RetryAfter)
}

func TestCheckWindowBlock(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 60; i++ {
		require.True(t, l.Check("caller").Allowed, "call %d should be allowed", i+1)
		clock.Advance(time.Second)
	}

	// 60 requests now sit in the trailing window.
	clock.Advance(-500 * time.Millisecond)

	d := l.Check("caller")
	require.False(t, d.Allowed)
	require.Equal(t, 300, d.RetryAfter)

	d = l.Check("caller")
	require.False(t, d.Allowed)
	require.Equal(t, 300, d.RetryAfter)

	clock.Advance(100 * time.Second)

	d = l.Check("caller")
	require.False(t, d.Allowed)
	require.Equal(t, 200, d.RetryAfter)

	clock.Advance(200 * time.Second)

	require.True(t, l.Check("caller").Allowed)
}

func TestCheckIdentifiersAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 10; i++ {
		require.True(t, l.Check("a").Allowed)
	}

	require.False(t, l.Check("a").Allowed)
	require.True(t, l.Check("b").Allowed)
	require.Equal(t, 2, l.Len())
}

func TestCheckConcurrent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if l.Check("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestReapEvictsIdleEntries(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.Check("idle")
	idle := l.lookup("idle", clock.Now())
	clock.Advance(30 * time.Minute)
	l.Check("active")

	require.Equal(t, 0, l.Reap(clock.Now()))

	clock.Advance(31 * time.Minute)

	require.Equal(t, 1, l.Reap(clock.Now()))
	require.Equal(t, 1, l.Len())
	assert.True(t, idle.evicted)
}

func TestCheckRetriesEntryReapedWhileWaiting(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	require.True(t, l.Check("caller").Allowed)

	stale := l.lookup("caller", clock.Now())
	stale.mu.Lock()

	done := make(chan Decision, 1)

	go func() {
		done <- l.Check("caller")
	}()

	// Let the check find the entry and wait on its lock.
	time.Sleep(20 * time.Millisecond)

	// Evict the entry the way Reap does, while the check is waiting.
	s := l.shards[shardIndex("caller")]
	s.mu.Lock()
	stale.evicted = true
	delete(s.entries, "caller")
	s.mu.Unlock()
	stale.mu.Unlock()

	d := <-done
	require.True(t, d.Allowed)

	live := l.lookup("caller", clock.Now())
	assert.NotSame(t, stale, live)
	assert.Len(t, live.requests, 1)
	assert.Len(t, stale.requests, 1)
	assert.Equal(t, 1, l.Len())
}

func TestReapKeepsBlockedEntries(t *testing.T) {
	clock := newFakeClock()
	l := New(testLogger(), Config{
		RequestsPerMinute: 1,
		Burst:             5,
		BlockDuration:     2 * time.Hour,
		Inactivity:        time.Hour,
	}, WithClock(clock.Now))

	require.True(t, l.Check("caller").Allowed)
	require.False(t, l.Check("caller").Allowed)

	clock.Advance(90 * time.Minute)
	require.Equal(t, 0, l.Reap(clock.Now()))

	clock.Advance(31 * time.Minute)
	require.Equal(t, 1, l.Reap(clock.Now()))
}

func TestIdentifier(t *testing.T) {
	a := Identifier("alice", "10.0.0.1")

	require.Len(t, a, 16)
	require.Equal(t, a, Identifier("alice", "10.0.0.1"))
	require.NotEqual(t, a, Identifier("alice", "10.0.0.2"))
	require.NotEqual(t, a, Identifier("bob", "10.0.0.1"))
	require.Equal(t, Identifier("anonymous", "0.0.0.0"), Identifier("", ""))

	seen := make(map[string]struct{}, 1000)

	for i := 0; i < 1000; i++ {
		id := Identifier(fmt.Sprintf("user-%d", i), "127.0.0.1")
		_, dup := seen[id]
		require.False(t, dup)

		seen[id] = struct{}{}
	}
}
