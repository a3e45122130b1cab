package connmgr

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/logfan/internal/bus"
	"github.com/adred-codev/logfan/internal/registry"
	"github.com/adred-codev/logfan/internal/subscriber"
)

func newTestManager(maxConns, maxPerClient int) *Manager {
	return New(Config{
		MaxConnections: maxConns,
		MaxPerClient:   maxPerClient,
		QueueSize:      16,
		StaleTimeout:   time.Minute,
	}, zerolog.Nop())
}

func TestAdmitAndAttach(t *testing.T) {
	m := newTestManager(10, 5)

	sub, err := m.Admit("api", "client-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "api", sub.Channel)
	assert.Equal(t, 1, m.Count())

	// Admitted but not attached: invisible to the fan-out.
	assert.Empty(t, m.Subscribers("api"))

	m.Attach(sub)
	assert.Len(t, m.Subscribers("api"), 1)
}

func TestAdmitGlobalCap(t *testing.T) {
	m := newTestManager(2, 5)

	_, err := m.Admit("api", "a")
	require.NoError(t, err)
	_, err = m.Admit("api", "b")
	require.NoError(t, err)

	_, err = m.Admit("api", "c")
	assert.ErrorIs(t, err, ErrServerFull)
	assert.Equal(t, 2, m.Count())
}

func TestAdmitPerClientCap(t *testing.T) {
	m := newTestManager(10, 2)

	_, err := m.Admit("api", "same")
	require.NoError(t, err)
	_, err = m.Admit("jobs", "same")
	require.NoError(t, err)

	_, err = m.Admit("api", "same")
	assert.ErrorIs(t, err, ErrClientCapped)

	// Other clients are unaffected.
	_, err = m.Admit("api", "other")
	assert.NoError(t, err)
}

func TestRemoveFreesAllAccounting(t *testing.T) {
	m := newTestManager(1, 1)

	sub, err := m.Admit("api", "client")
	require.NoError(t, err)
	m.Attach(sub)

	m.Remove(sub, "test")

	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.Subscribers("api"))

	// Both caps released: the same client admits again.
	_, err = m.Admit("api", "client")
	assert.NoError(t, err)
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := newTestManager(10, 5)

	sub, err := m.Admit("api", "client")
	require.NoError(t, err)
	m.Attach(sub)

	m.Remove(sub, "test")
	m.Remove(sub, "test")

	assert.Equal(t, 0, m.Count())

	// The client count must not go negative; two fresh admissions work.
	_, err = m.Admit("api", "client")
	require.NoError(t, err)
	_, err = m.Admit("api", "client")
	require.NoError(t, err)
}

func TestAttachAfterRemoveIsNoop(t *testing.T) {
	m := newTestManager(10, 5)

	sub, err := m.Admit("api", "client")
	require.NoError(t, err)
	m.Remove(sub, "test")

	m.Attach(sub)
	assert.Empty(t, m.Subscribers("api"))
}

func TestSubscribersIsolatedPerChannel(t *testing.T) {
	m := newTestManager(10, 5)

	a, _ := m.Admit("api", "c1")
	b, _ := m.Admit("api", "c2")
	c, _ := m.Admit("jobs", "c3")
	m.Attach(a)
	m.Attach(b)
	m.Attach(c)

	assert.Len(t, m.Subscribers("api"), 2)
	assert.Len(t, m.Subscribers("jobs"), 1)
	assert.Empty(t, m.Subscribers("ghost"))
	assert.Len(t, m.All(), 3)
}

func TestSignalDisconnect(t *testing.T) {
	m := newTestManager(10, 5)

	sub, _ := m.Admit("api", "client")
	m.Attach(sub)

	assert.True(t, m.SignalDisconnect(sub.ID))
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel signal not raised")
	}

	assert.False(t, m.SignalDisconnect("unknown-id"))
}

func TestSignalChannelDisconnect(t *testing.T) {
	m := newTestManager(10, 5)

	var subs []*subscriber.Subscriber
	for i := 0; i < 3; i++ {
		sub, err := m.Admit("api", fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		m.Attach(sub)
		subs = append(subs, sub)
	}
	other, _ := m.Admit("jobs", "other")
	m.Attach(other)

	n := m.SignalChannelDisconnect("api")
	assert.Equal(t, 3, n)

	for _, sub := range subs {
		select {
		case <-sub.Done():
		default:
			t.Fatalf("subscriber %s not signalled", sub.ID)
		}
	}
	select {
	case <-other.Done():
		t.Fatal("other channel's subscriber was signalled")
	default:
	}

	assert.Zero(t, m.SignalChannelDisconnect("ghost"))
}

func TestCancelAll(t *testing.T) {
	m := newTestManager(10, 5)

	var subs []*subscriber.Subscriber
	for i := 0; i < 4; i++ {
		sub, _ := m.Admit("api", fmt.Sprintf("c%d", i))
		m.Attach(sub)
		subs = append(subs, sub)
	}
	// Admitted but never attached: shutdown must still reach it.
	pending, err := m.Admit("api", "late")
	require.NoError(t, err)
	subs = append(subs, pending)

	m.CancelAll("shutdown")

	for _, sub := range subs {
		select {
		case <-sub.Done():
		default:
			t.Fatalf("subscriber %s not cancelled", sub.ID)
		}
	}
}

func TestAllExcludesUnattachedSubscribers(t *testing.T) {
	m := newTestManager(10, 5)

	pending, err := m.Admit("mine", "c1")
	require.NoError(t, err)
	attached, err := m.Admit("other", "c2")
	require.NoError(t, err)
	m.Attach(attached)

	all := m.All()
	require.Len(t, all, 1)
	assert.Equal(t, attached.ID, all[0].ID)

	m.Attach(pending)
	assert.Len(t, m.All(), 2)
}

func TestBroadcastsSkipUnattachedSubscribers(t *testing.T) {
	m := newTestManager(10, 5)
	reg := registry.New(100, time.Hour, zerolog.Nop())
	bus.New(m, reg, zerolog.Nop())

	// A stream between admission and attachment has an empty queue; a
	// channel registration racing that window must not fill it ahead of
	// the preamble frames.
	pending, err := m.Admit("mine", "c1")
	require.NoError(t, err)

	reg.Register("other")
	assert.Equal(t, 0, pending.QueueLen())

	m.Attach(pending)
	reg.Register("third")
	assert.Equal(t, 1, pending.QueueLen())
}

func TestIsStale(t *testing.T) {
	m := newTestManager(10, 5)

	sub, _ := m.Admit("api", "client")
	assert.False(t, m.IsStale(sub)) // fresh lastActivity
}

func TestStats(t *testing.T) {
	m := newTestManager(100, 5)

	a, _ := m.Admit("api", "c1")
	b, _ := m.Admit("jobs", "c2")
	m.Attach(a)
	m.Attach(b)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 100, stats.Max)
	assert.Equal(t, 1, stats.PerChannel["api"])
	assert.Equal(t, 1, stats.PerChannel["jobs"])
}

func TestConcurrentAdmitRespectsGlobalCap(t *testing.T) {
	const limit = 50
	m := newTestManager(limit, limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := m.Admit("api", fmt.Sprintf("g%d-i%d", g, i)); err == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, limit, admitted)
	assert.Equal(t, limit, m.Count())
}
