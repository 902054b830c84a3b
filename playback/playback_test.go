package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/logstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) take() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.evs
	r.evs = nil
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

var sess = events.SessionKey{SessionID: 9, Host: "bob"}

func ev(kind events.Kind, t int64, payload string) events.Event {
	return events.Event{Kind: kind, Key: sess, Seq: t, Time: t, Payload: json.RawMessage(payload)}
}

func meta(start, end int64) logstore.Metadata {
	return logstore.Metadata{ID: "log", Session: sess, Start: start, End: end}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func newService(t *testing.T, rec *recorder, m logstore.Metadata, evs []events.Event, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithKeepAlive(time.Hour)}, opts...)
	s := New("obs-1", m, evs, rec.emit, opts...)
	t.Cleanup(s.Terminate)
	return s
}

func TestSeekReplaysStrategyHistoryAndState(t *testing.T) {
	rec := &recorder{}
	s := newService(t, rec, meta(0, 60_000), []events.Event{
		ev(events.KindSessionCreated, 0, `{}`),
		ev(events.KindStrategyRequested, 1000, `{"groups":{}}`),
		ev(events.KindLearnerState, 2000, `{"v":1}`),
		ev(events.KindEntityState, 3000, `{"entityId":"tank"}`),
		ev(events.KindStrategyApplied, 4000, `{"strategies":["s"]}`),
		ev(events.KindLearnerState, 5000, `{"v":2}`),
		ev(events.KindEntityState, 6000, `{"entityId":"tank"}`),
		ev(events.KindEntityState, 6500, `{"entityId":"jeep"}`),
		ev(events.KindLearnerState, 50_000, `{"v":3}`),
	})

	require.NoError(t, s.Seek(context.Background(), 10_000))
	got := rec.take()

	assert.Equal(t, []events.Kind{
		events.KindStrategyRequested,
		events.KindStrategyApplied,
		events.KindLearnerState,
		events.KindEntityState,
		events.KindEntityState,
	}, kinds(got))

	assert.JSONEq(t, `{"v":2}`, string(got[2].Payload))
	for _, e := range got[2:] {
		assert.Equal(t, int64(10_000), e.Time)
	}
	assert.JSONEq(t, `{"entityId":"tank"}`, string(got[3].Payload))
	assert.JSONEq(t, `{"entityId":"jeep"}`, string(got[4].Payload))
	for _, e := range got {
		assert.Equal(t, "obs-1", e.Key.Playback)
	}

	assert.Equal(t, Paused, s.State())
	assert.Equal(t, int64(10_000), s.Cursor())
}

func TestSeekSkipsStaleEntities(t *testing.T) {
	rec := &recorder{}
	s := newService(t, rec, meta(0, 60_000), []events.Event{
		ev(events.KindEntityState, 1000, `{"entityId":"old"}`),
		ev(events.KindEntityState, 45_000, `{"entityId":"new"}`),
	})

	require.NoError(t, s.Seek(context.Background(), 50_000))
	got := rec.take()
	require.Equal(t, []events.Kind{events.KindLearnerState, events.KindEntityState}, kinds(got))
	assert.JSONEq(t, `{}`, string(got[0].Payload), "no recorded learner state yields an empty one")
	assert.JSONEq(t, `{"entityId":"new"}`, string(got[1].Payload))
}

func TestSeekOutOfRange(t *testing.T) {
	rec := &recorder{}
	s := newService(t, rec, meta(100, 200), nil)

	for _, tt := range []int64{99, 201} {
		err := s.Seek(context.Background(), tt)
		var oor *errdefs.OutOfRangeError
		require.True(t, errors.As(err, &oor), "t=%d", tt)
		assert.Equal(t, int64(100), oor.Start)
		assert.Equal(t, int64(200), oor.End)
	}
	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, rec.len())
}

func TestPlayRunsToEndInOrder(t *testing.T) {
	rec := &recorder{}
	var evs []events.Event
	for i := int64(0); i < 10; i++ {
		evs = append(evs, ev(events.KindGeolocation, i*5, fmt.Sprintf(`{"i":%d}`, i)))
	}
	s := newService(t, rec, meta(0, 45), evs)

	require.NoError(t, s.Play(context.Background()))
	require.Eventually(t, func() bool { return s.State() == Paused }, 2*time.Second, 5*time.Millisecond)

	got := rec.take()
	var played []events.Event
	for _, e := range got {
		if e.Kind == events.KindGeolocation {
			played = append(played, e)
		}
	}
	require.Len(t, played, 10)
	for i := 1; i < len(played); i++ {
		assert.LessOrEqual(t, played[i-1].Time, played[i].Time)
	}
	assert.Equal(t, int64(45), s.Cursor())
}

func TestPlayIsNoopWhenPlaying(t *testing.T) {
	rec := &recorder{}
	s := newService(t, rec, meta(0, 10_000), []events.Event{
		ev(events.KindGeolocation, 0, `{}`),
		ev(events.KindGeolocation, 10_000, `{}`),
	})
	require.NoError(t, s.Play(context.Background()))
	require.Eventually(t, func() bool { return rec.len() >= 2 }, time.Second, 5*time.Millisecond)
	n := rec.len()

	require.NoError(t, s.Play(context.Background()))
	assert.Equal(t, Playing, s.State())
	assert.Equal(t, n, rec.len())
}

func TestPauseIsSynchronous(t *testing.T) {
	rec := &recorder{}
	var evs []events.Event
	for i := int64(0); i < 200; i++ {
		evs = append(evs, ev(events.KindGeolocation, i, `{}`))
	}
	s := newService(t, rec, meta(0, 199), evs)

	require.NoError(t, s.Play(context.Background()))
	require.Eventually(t, func() bool { return rec.len() > 5 }, time.Second, time.Millisecond)
	require.NoError(t, s.Pause())
	assert.Equal(t, Paused, s.State())

	n := rec.len()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, rec.len(), "nothing is emitted after Pause returns")

	require.NoError(t, s.Pause(), "pausing twice is harmless")
}

func TestResumeReemitsEntitiesThenContinues(t *testing.T) {
	rec := &recorder{}
	s := newService(t, rec, meta(0, 60), []events.Event{
		ev(events.KindEntityState, 0, `{"entityId":"tank"}`),
		ev(events.KindGeolocation, 60, `{}`),
	})

	require.NoError(t, s.Seek(context.Background(), 10))
	rec.take()

	require.NoError(t, s.Play(context.Background()))
	require.Eventually(t, func() bool { return s.State() == Paused }, 2*time.Second, 5*time.Millisecond)

	got := rec.take()
	require.Equal(t, []events.Kind{events.KindEntityState, events.KindGeolocation}, kinds(got))
	assert.Equal(t, int64(10), got[0].Time)
}

func TestKeepAliveWhilePaused(t *testing.T) {
	rec := &recorder{}
	s := New("obs-1", meta(0, 100), []events.Event{
		ev(events.KindEntityState, 0, `{"entityId":"tank"}`),
	}, rec.emit, WithKeepAlive(5*time.Millisecond))
	defer s.Terminate()

	require.NoError(t, s.Seek(context.Background(), 50))
	rec.take()

	require.Eventually(t, func() bool { return rec.len() >= 3 }, time.Second, 5*time.Millisecond)
	for _, e := range rec.take() {
		assert.Equal(t, events.KindEntityState, e.Kind)
		assert.Equal(t, int64(50), e.Time)
	}

	s.Terminate()
	rec.take()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.len(), "terminate stops the keep-alive")
}

func TestTerminateIsFinal(t *testing.T) {
	rec := &recorder{}
	s := newService(t, rec, meta(0, 10), nil)
	s.Terminate()
	s.Terminate()

	assert.Equal(t, Terminated, s.State())
	assert.ErrorIs(t, s.Play(context.Background()), ErrTerminated)
	assert.ErrorIs(t, s.Seek(context.Background(), 0), ErrTerminated)
	assert.ErrorIs(t, s.Pause(), ErrTerminated)
	assert.ErrorIs(t, s.Refresh(), ErrTerminated)
}

func TestFilterDropsUnroutableAndUnlisted(t *testing.T) {
	rec := &recorder{}
	m := meta(0, 100)
	m.Kinds = []events.Kind{events.KindLearnerState}
	s := newService(t, rec, m, []events.Event{
		ev(events.KindHeartbeat, 10, `{}`),
		ev(events.KindGeolocation, 20, `{}`),
		ev(events.KindLearnerState, 30, `{"v":1}`),
	})
	assert.Len(t, s.LearnerStates(), 1)

	require.NoError(t, s.Seek(context.Background(), 100))
	got := rec.take()
	require.Equal(t, []events.Kind{events.KindLearnerState}, kinds(got))
	assert.JSONEq(t, `{"v":1}`, string(got[0].Payload))
}

type swapOverlay struct {
	mu    sync.Mutex
	extra []events.Event
}

func (o *swapOverlay) Overlay(_ string, evs []events.Event) []events.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.extra) == 0 {
		return evs
	}
	out := append(append([]events.Event(nil), evs...), o.extra...)
	return out
}

func TestRefreshKeepsCursor(t *testing.T) {
	rec := &recorder{}
	ov := &swapOverlay{}
	s := newService(t, rec, meta(0, 100), []events.Event{
		ev(events.KindLearnerState, 10, `{"v":1}`),
	}, WithOverlay(ov))

	require.NoError(t, s.Seek(context.Background(), 50))
	require.Len(t, s.LearnerStates(), 1)

	ov.mu.Lock()
	ov.extra = []events.Event{ev(events.KindLearnerState, 70, `{"v":2}`)}
	ov.mu.Unlock()
	require.NoError(t, s.Refresh())

	assert.Len(t, s.LearnerStates(), 2)
	assert.Equal(t, int64(50), s.Cursor())

	rec.take()
	require.NoError(t, s.Play(context.Background()))
	require.Eventually(t, func() bool { return s.State() == Paused }, 2*time.Second, 5*time.Millisecond)
	got := rec.take()
	require.NotEmpty(t, got)
	assert.JSONEq(t, `{"v":2}`, string(got[len(got)-1].Payload))
}

func TestKeyAndMeta(t *testing.T) {
	s := newService(t, &recorder{}, meta(0, 1), nil)
	assert.Equal(t, "obs-1", s.Key().Playback)
	assert.Equal(t, sess.SessionID, s.Key().SessionID)
	assert.Equal(t, "log", s.Meta().ID)
	assert.Equal(t, "stopped", s.State().String())
}
