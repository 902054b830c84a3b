package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testObserver struct{ id string }

func (o testObserver) ID() string                                 { return o.id }
func (o testObserver) Deliver(context.Context, events.Event) error { return nil }

type fakeReplay struct {
	key        events.SessionKey
	terminated atomic.Bool
}

func (f *fakeReplay) Key() events.SessionKey { return f.key }
func (f *fakeReplay) Terminate()             { f.terminated.Store(true) }

var (
	keyA = events.SessionKey{SessionID: 1, Host: "a"}
	keyB = events.SessionKey{SessionID: 2, Host: "b"}
)

type release struct {
	observer string
	key      events.SessionKey
	playback bool
}

func newRegistry(t *testing.T) (*Registry[*fakeReplay], *[]release) {
	t.Helper()
	var mu sync.Mutex
	var released []release
	r := New[*fakeReplay](WithReleaseFunc(func(id string, key events.SessionKey, playback bool) {
		mu.Lock()
		released = append(released, release{id, key, playback})
		mu.Unlock()
	}))
	require.NoError(t, r.Add(testObserver{"o1"}))
	return r, &released
}

func TestAddTwiceConflicts(t *testing.T) {
	r, _ := newRegistry(t)
	var ce *errdefs.ConflictError
	require.True(t, errors.As(r.Add(testObserver{"o1"}), &ce))
}

func TestUnknownObserver(t *testing.T) {
	r, _ := newRegistry(t)
	var nf *errdefs.NotFoundError
	require.True(t, errors.As(r.RegisterLive("nobody", keyA), &nf))
	assert.Equal(t, "observer", nf.Type)
	assert.False(t, r.IsWatching("nobody", keyA))
}

func TestRegisterLiveReplacesPrevious(t *testing.T) {
	r, released := newRegistry(t)

	require.NoError(t, r.RegisterLive("o1", keyA))
	assert.True(t, r.IsWatching("o1", keyA))

	// Same key is a no-op.
	require.NoError(t, r.RegisterLive("o1", keyA))
	assert.Empty(t, *released)

	require.NoError(t, r.RegisterLive("o1", keyB))
	assert.False(t, r.IsWatching("o1", keyA))
	assert.True(t, r.IsWatching("o1", keyB))
	assert.Equal(t, []release{{"o1", keyA, false}}, *released)
}

func TestDeregisterLive(t *testing.T) {
	r, released := newRegistry(t)
	require.NoError(t, r.RegisterLive("o1", keyA))

	var ce *errdefs.ConflictError
	require.True(t, errors.As(r.DeregisterLive("o1", keyB), &ce))
	assert.True(t, r.IsWatching("o1", keyA))

	require.NoError(t, r.DeregisterLive("o1", keyA))
	assert.False(t, r.IsWatching("o1", keyA))
	assert.Len(t, *released, 1)

	// Nothing left to release.
	require.NoError(t, r.DeregisterLive("o1", keyA))
}

func TestPlaybackAndLiveAreExclusive(t *testing.T) {
	r, released := newRegistry(t)
	require.NoError(t, r.RegisterLive("o1", keyA))

	replay := &fakeReplay{key: keyB.WithPlayback("o1")}
	h, err := r.RegisterPlayback("o1", func() (*fakeReplay, error) { return replay, nil })
	require.NoError(t, err)
	assert.Same(t, replay, h)

	sub, err := r.Get("o1")
	require.NoError(t, err)
	assert.False(t, sub.HasLive)
	assert.True(t, sub.HasPlayback)
	assert.True(t, r.IsWatching("o1", replay.key))

	require.NoError(t, r.RegisterLive("o1", keyA))
	assert.True(t, replay.terminated.Load())
	assert.Equal(t, []release{
		{"o1", keyA, false},
		{"o1", replay.key, true},
	}, *released)
}

func TestRegisterPlaybackOpenFailureLeavesNothing(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.RegisterLive("o1", keyA))

	boom := errors.New("boom")
	_, err := r.RegisterPlayback("o1", func() (*fakeReplay, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	sub, _ := r.Get("o1")
	assert.False(t, sub.HasLive)
	assert.False(t, sub.HasPlayback)
}

func TestWithPlayback(t *testing.T) {
	r, _ := newRegistry(t)

	var nf *errdefs.NotFoundError
	require.True(t, errors.As(r.WithPlayback("o1", func(*fakeReplay) error { return nil }), &nf))
	assert.Equal(t, "playback", nf.Type)

	replay := &fakeReplay{key: keyA.WithPlayback("o1")}
	_, err := r.RegisterPlayback("o1", func() (*fakeReplay, error) { return replay, nil })
	require.NoError(t, err)

	var seen *fakeReplay
	require.NoError(t, r.WithPlayback("o1", func(h *fakeReplay) error { seen = h; return nil }))
	assert.Same(t, replay, seen)

	require.NoError(t, r.DeregisterPlayback("o1"))
	assert.True(t, replay.terminated.Load())
	require.Error(t, r.WithPlayback("o1", func(*fakeReplay) error { return nil }))
}

func TestRemoveTearsDownEverything(t *testing.T) {
	r, _ := newRegistry(t)
	replay := &fakeReplay{key: keyA.WithPlayback("o1")}
	_, err := r.RegisterPlayback("o1", func() (*fakeReplay, error) { return replay, nil })
	require.NoError(t, err)

	require.NoError(t, r.Remove("o1"))
	assert.True(t, replay.terminated.Load())
	assert.Empty(t, r.Snapshot())

	var nf *errdefs.NotFoundError
	require.True(t, errors.As(r.Remove("o1"), &nf))
}

func TestAutoAndWatchers(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Add(testObserver{"o2"}))
	require.NoError(t, r.RegisterLive("o1", keyA))
	require.NoError(t, r.RegisterLive("o2", keyA))
	require.NoError(t, r.SetAuto("o2", true))

	w := r.Watchers(keyA)
	require.Len(t, w, 2)
	assert.Equal(t, "o1", w[0].ObserverID)
	assert.False(t, w[0].Auto)
	assert.True(t, w[1].Auto)

	r.ReleaseKey(keyA)
	assert.Empty(t, r.Watchers(keyA))
}

func TestConcurrentRegistrationsStayExclusive(t *testing.T) {
	r, _ := newRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.RegisterLive("o1", keyA)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.RegisterPlayback("o1", func() (*fakeReplay, error) {
				return &fakeReplay{key: keyB.WithPlayback("o1")}, nil
			})
		}()
	}
	wg.Wait()

	sub, err := r.Get("o1")
	require.NoError(t, err)
	assert.NotEqual(t, sub.HasLive, sub.HasPlayback, "exactly one target must remain")
}

func TestAtMostOneTargetProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New[*fakeReplay]()
		if err := r.Add(testObserver{"o"}); err != nil {
			t.Fatal(err)
		}
		var live []*fakeReplay

		ops := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 30).Draw(t, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				_ = r.RegisterLive("o", keyA)
			case 1:
				_ = r.RegisterLive("o", keyB)
			case 2:
				h, _ := r.RegisterPlayback("o", func() (*fakeReplay, error) {
					return &fakeReplay{key: keyA.WithPlayback("o")}, nil
				})
				live = append(live, h)
			case 3:
				_ = r.DeregisterPlayback("o")
			case 4:
				_ = r.DeregisterLive("o", keyA)
			}

			sub, _ := r.Get("o")
			if sub.HasLive && sub.HasPlayback {
				t.Fatalf("observer holds both a live watch and a replay")
			}
			running := 0
			for _, h := range live {
				if !h.terminated.Load() {
					running++
				}
			}
			if running > 1 {
				t.Fatalf("%d replays running for one observer", running)
			}
		}
	})
}
