package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/logfan/internal/types"
)

func newTestRegistry(max int, ttl time.Duration) *Registry {
	return New(max, ttl, zerolog.Nop())
}

func TestDefaultChannelExistsAtStartup(t *testing.T) {
	r := newTestRegistry(10, time.Hour)

	assert.True(t, r.Has(types.DefaultChannel))
	assert.Equal(t, 1, r.Len())
}

func TestRegisterCreatesOnce(t *testing.T) {
	r := newTestRegistry(10, time.Hour)

	assert.True(t, r.Register("api"))
	assert.False(t, r.Register("api"))
	assert.Equal(t, 2, r.Len())
}

func TestRegisterEmptyNameIsDefault(t *testing.T) {
	r := newTestRegistry(10, time.Hour)

	assert.False(t, r.Register(""))
	assert.Equal(t, 1, r.Len())
}

func TestRegisterTouchesExisting(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	clock := time.Unix(1000, 0)
	r.now = func() time.Time { return clock }

	r.Register("api")
	clock = clock.Add(time.Minute)
	r.Register("api")

	for _, info := range r.Snapshot() {
		if info.Name == "api" {
			assert.Equal(t, clock, info.LastActivity)
			return
		}
	}
	t.Fatal("channel api not found")
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	r := newTestRegistry(3, time.Hour)
	clock := time.Unix(1000, 0)
	r.now = func() time.Time { return clock }

	r.Register("a") // oldest activity
	clock = clock.Add(time.Second)
	r.Register("b")
	clock = clock.Add(time.Second)

	// Capacity is 3 (default + a + b); inserting c evicts a.
	r.Register("c")

	assert.False(t, r.Has("a"))
	assert.True(t, r.Has("b"))
	assert.True(t, r.Has("c"))
	assert.Equal(t, 3, r.Len())
}

func TestLRUEvictionConsidersActivityNotAge(t *testing.T) {
	r := newTestRegistry(3, time.Hour)
	clock := time.Unix(1000, 0)
	r.now = func() time.Time { return clock }

	r.Register("a")
	clock = clock.Add(time.Second)
	r.Register("b")
	clock = clock.Add(time.Second)

	// Traffic refreshes a; b is now the least recently active.
	r.RecordLogs("a", 1)
	clock = clock.Add(time.Second)
	r.Register("c")

	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("b"))
}

func TestDefaultChannelNeverEvicted(t *testing.T) {
	r := newTestRegistry(2, time.Hour)
	clock := time.Unix(1000, 0)
	r.now = func() time.Time { return clock }

	r.Register("a")
	clock = clock.Add(time.Second)
	r.Register("b")
	clock = clock.Add(time.Second)
	r.Register("c")

	assert.True(t, r.Has(types.DefaultChannel))
}

func TestRecordLogsAccumulates(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	r.Register("api")

	r.RecordLogs("api", 3)
	r.RecordLogs("api", 2)

	for _, info := range r.Snapshot() {
		if info.Name == "api" {
			assert.Equal(t, int64(5), info.LogCount)
			return
		}
	}
	t.Fatal("channel api not found")
}

func TestResetCounters(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	r.Register("a")
	r.Register("b")
	r.RecordLogs("a", 5)
	r.RecordLogs("b", 7)

	r.ResetCounters("a")
	counts := map[string]int64{}
	for _, info := range r.Snapshot() {
		counts[info.Name] = info.LogCount
	}
	assert.Equal(t, int64(0), counts["a"])
	assert.Equal(t, int64(7), counts["b"])

	r.ResetCounters("")
	for _, info := range r.Snapshot() {
		assert.Zero(t, info.LogCount, info.Name)
	}

	// Unknown name is a no-op, not a panic.
	r.ResetCounters("ghost")
}

func TestCleanupExpired(t *testing.T) {
	r := newTestRegistry(10, time.Minute)
	clock := time.Unix(1000, 0)
	r.now = func() time.Time { return clock }

	r.Register("stale")
	clock = clock.Add(2 * time.Minute)
	r.Register("fresh")

	removed := r.CleanupExpired()

	assert.Equal(t, 1, removed)
	assert.False(t, r.Has("stale"))
	assert.True(t, r.Has("fresh"))
}

func TestCleanupExpiredSparesDefault(t *testing.T) {
	r := newTestRegistry(10, time.Minute)
	clock := time.Unix(1000, 0)
	r.now = func() time.Time { return clock }

	clock = clock.Add(time.Hour)
	r.CleanupExpired()

	assert.True(t, r.Has(types.DefaultChannel))
}

func TestOnChannelAddedFiresOnFirstInsertOnly(t *testing.T) {
	r := newTestRegistry(10, time.Hour)

	var mu sync.Mutex
	var added []string
	r.OnChannelAdded(func(name string) {
		mu.Lock()
		added = append(added, name)
		mu.Unlock()
	})

	r.Register("api")
	r.Register("api")
	r.Register("jobs")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"api", "jobs"}, added)
}

func TestConcurrentRegister(t *testing.T) {
	r := newTestRegistry(1000, time.Hour)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Register("chan-" + string(rune('a'+g)))
				r.RecordLogs("chan-"+string(rune('a'+g)), 1)
			}
		}(g)
	}
	wg.Wait()

	require.Equal(t, 9, r.Len()) // default + 8
}
