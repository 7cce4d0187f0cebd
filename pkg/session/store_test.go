package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismproxy/prism/pkg/config"
)

func TestAcquireCreatesAndLocks(t *testing.T) {
	store := NewStore(time.Hour, nil)

	sess, release := store.Acquire("s1")
	assert.Equal(t, "s1", sess.ID)
	assert.False(t, sess.CreatedAt.IsZero())
	release()

	again, release := store.Acquire("s1")
	assert.Same(t, sess, again)
	release()
	assert.Equal(t, 1, store.Len())
}

func TestAcquireAnonymous(t *testing.T) {
	store := NewStore(time.Hour, nil)

	a, releaseA := store.Acquire("")
	b, releaseB := store.Acquire("")
	defer releaseA()
	defer releaseB()

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestAcquireSerialisesRequests(t *testing.T) {
	store := NewStore(time.Hour, nil)

	sess, release := store.Acquire("s1")
	sess.State.OverrideModel = "first"

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s2, release2 := store.Acquire("s1")
		defer release2()
		// Must observe the fully applied first request.
		assert.Equal(t, "first", s2.State.OverrideModel)
	}()

	time.Sleep(10 * time.Millisecond)
	release()
	wg.Wait()
}

func TestSweepEvictsExpired(t *testing.T) {
	store := NewStore(time.Minute, nil)

	sess, release := store.Acquire("old")
	sess.LastActivity = time.Now().Add(-2 * time.Minute)
	release()

	_, release = store.Acquire("fresh")
	release()

	evicted := store.Sweep(time.Now())
	assert.Equal(t, 1, evicted)
	_, ok := store.Get("old")
	assert.False(t, ok)
	_, ok = store.Get("fresh")
	assert.True(t, ok)
}

func TestSweepSkipsInFlight(t *testing.T) {
	store := NewStore(time.Minute, nil)

	sess, release := store.Acquire("busy")
	sess.LastActivity = time.Now().Add(-2 * time.Minute)

	// Lock held: the sweep must not evict.
	assert.Equal(t, 0, store.Sweep(time.Now()))
	release()

	assert.Equal(t, 1, store.Sweep(time.Now()))
}

func TestAcquireSurvivesConcurrentSweep(t *testing.T) {
	store := NewStore(time.Hour, nil)

	// Sweep with a far-future clock so every entry looks expired, racing
	// the window in Acquire between the store lock and the entry lock.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				store.Sweep(time.Now().Add(2 * time.Hour))
			}
		}
	}()

	for i := 0; i < 500; i++ {
		_, release := store.Acquire("sticky")
		// While the request lock is held, the session must stay reachable.
		_, ok := store.Get("sticky")
		assert.True(t, ok, "iteration %d", i)
		release()
	}
	close(stop)
	wg.Wait()
}

func TestStateClone(t *testing.T) {
	orig := State{
		OverrideModel: "m",
		FailoverRoutes: map[string]Route{
			"r": {Name: "r", Policy: "k", Elements: []string{"a", "b"}},
		},
		APIURLOverrides: map[config.BackendType]string{
			config.BackendOpenAI: "https://example.com",
		},
	}

	clone := orig.Clone()
	clone.FailoverRoutes["r"] = Route{Name: "r", Policy: "m"}
	clone.APIURLOverrides[config.BackendOpenAI] = "changed"

	assert.Equal(t, "k", orig.FailoverRoutes["r"].Policy)
	assert.Equal(t, "https://example.com", orig.APIURLOverrides[config.BackendOpenAI])
}

func TestConsumeOneoff(t *testing.T) {
	st := State{OneoffBackend: config.BackendOpenRouter, OneoffModel: "gpt-4o"}

	backend, model, ok := st.ConsumeOneoff()
	require.True(t, ok)
	assert.Equal(t, config.BackendOpenRouter, backend)
	assert.Equal(t, "gpt-4o", model)

	_, _, ok = st.ConsumeOneoff()
	assert.False(t, ok)
}

func TestHistoryCap(t *testing.T) {
	sess := &Session{ID: "s"}
	for i := 0; i < maxHistory+10; i++ {
		sess.AppendHistory(Interaction{Handler: "backend"})
	}
	assert.Len(t, sess.History, maxHistory)
}
