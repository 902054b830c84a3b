package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	relay "github.com/ggoodman/session-relay"
	"github.com/ggoodman/session-relay/bus"
	"github.com/ggoodman/session-relay/bus/memory"
	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/internal/mocks"
	"github.com/ggoodman/session-relay/logstore"
	"github.com/ggoodman/session-relay/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type observer struct {
	id string

	mu  sync.Mutex
	evs []events.Event
}

func (o *observer) ID() string { return o.id }

func (o *observer) Deliver(_ context.Context, ev events.Event) error {
	o.mu.Lock()
	o.evs = append(o.evs, ev)
	o.mu.Unlock()
	return nil
}

func (o *observer) take() []events.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.evs
	o.evs = nil
	return out
}

func (o *observer) has(kind events.Kind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range o.evs {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

var live = events.SessionKey{SessionID: 7, Host: "sim-1"}

func liveEvent(kind events.Kind, seq int64, payload string) events.Event {
	ev := events.Event{Kind: kind, Key: live, Seq: seq, Time: 1000 + seq, Source: "producer-1"}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	return ev
}

const recordedLog = "log-1"

func recordedSession() *logstore.Log {
	key := events.SessionKey{SessionID: 3, Host: "sim-2"}
	mk := func(kind events.Kind, t int64, payload string) events.Event {
		return events.Event{Kind: kind, Key: key, Seq: t, Time: t, Payload: json.RawMessage(payload)}
	}
	return &logstore.Log{
		Meta: logstore.Metadata{ID: recordedLog, UserID: "u1", Session: key},
		Events: []events.Event{
			mk(events.KindSessionCreated, 1000, `{}`),
			mk(events.KindLearnerState, 1500, `{"performance":{"n1":{"assessment":"BelowExpectation"}}}`),
			mk(events.KindScoreSubmitted, 2000, `{"score":70}`),
			mk(events.KindEntityState, 2500, `{"entityId":"tank"}`),
			mk(events.KindLearnerState, 3000, `{"performance":{"n1":{"assessment":"AtExpectation"}}}`),
		},
	}
}

type fixture struct {
	bus     *memory.Bus
	logs    *logstore.Memory
	patches *patch.Store
	engine  *relay.Engine
}

func newFixture(t *testing.T, opts ...relay.Option) *fixture {
	t.Helper()
	f := &fixture{
		bus:     memory.New(),
		logs:    logstore.NewMemory(recordedSession()),
		patches: patch.New(t.TempDir()),
	}
	opts = append([]relay.Option{relay.WithKeepAlive(time.Hour)}, opts...)
	e, err := relay.New(f.bus, f.logs, f.patches, opts...)
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) connect(t *testing.T, id string) *observer {
	t.Helper()
	o := &observer{id: id}
	require.NoError(t, f.engine.Connect(context.Background(), o))
	t.Cleanup(func() { _ = f.engine.Disconnect(context.Background(), id) })
	return o
}

// listen collects everything published to topic from now on.
func (f *fixture) listen(t *testing.T, topic string) <-chan []byte {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	marker, err := f.bus.Publish(ctx, topic, []byte(`{}`))
	require.NoError(t, err)

	out := make(chan []byte, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.bus.Subscribe(ctx, topic, marker, func(_ context.Context, env bus.Envelope) error {
			out <- env.Data
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := relay.New(nil, logstore.NewMemory(), patch.New(t.TempDir()))
	assert.Error(t, err)
	_, err = relay.New(memory.New(), nil, patch.New(t.TempDir()))
	assert.Error(t, err)
	_, err = relay.New(memory.New(), logstore.NewMemory(), nil)
	assert.Error(t, err)
}

func TestLiveRoutingWithSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "a")
	b := f.connect(t, "b")

	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindSessionCreated, 1, `{}`)))
	assert.Equal(t, []events.Kind{events.KindSessionCreated}, kinds(a.take()), "session starts reach everyone")
	b.take()

	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindLearnerState, 2, `{"v":1}`)))
	assert.Empty(t, a.take(), "not watching yet")

	require.NoError(t, f.engine.RegisterLive(ctx, "a", live))
	got := a.take()
	require.Equal(t, []events.Kind{events.KindInitialization}, kinds(got))
	var snap events.Initialization
	require.NoError(t, got[0].Decode(&snap))
	assert.JSONEq(t, `{"v":1}`, string(snap.LearnerState))
	assert.Equal(t, int64(1002), snap.LatestTime)
	assert.True(t, f.engine.IsWatching("a", live))

	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindLearnerState, 3, `{"v":2}`)))
	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindLearnerState, 3, `{"v":2}`)))
	assert.Equal(t, []events.Kind{events.KindLearnerState}, kinds(a.take()), "duplicates are dropped")
	assert.Empty(t, b.take())

	st, err := f.engine.SessionState(live)
	require.NoError(t, err)
	assert.True(t, st.Attached)
	assert.Equal(t, "producer-1", st.Producer)

	require.NoError(t, f.engine.DeregisterLive(ctx, "a", live))
	st, err = f.engine.SessionState(live)
	require.NoError(t, err)
	assert.False(t, st.Attached)
}

func TestRegisterLiveRejectsReplayKey(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	err := f.engine.RegisterLive(context.Background(), "a", live.WithPlayback("a"))
	var ce *errdefs.ConflictError
	assert.True(t, errors.As(err, &ce), "got %v", err)
}

func TestSessionEndDropsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "a")

	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindSessionCreated, 1, `{}`)))
	require.NoError(t, f.engine.RegisterLive(ctx, "a", live))
	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindSessionClosing, 2, `{}`)))
	assert.True(t, a.has(events.KindSessionClosing))

	_, err := f.engine.SessionState(live)
	var nf *errdefs.NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.ErrorAs(t, f.engine.CacheProcessedBookmark(live, events.ProcessedBookmark{Time: 1}), &nf)
}

func TestProcessedItemsAppearInSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "a")

	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindSessionCreated, 1, `{}`)))
	require.NoError(t, f.engine.CacheProcessedStrategy(live, events.ProcessedStrategy{Name: "hint", TimePerformed: 1001, Approved: true}))
	require.NoError(t, f.engine.CacheProcessedBookmark(live, events.ProcessedBookmark{Time: 1001, Comment: "look"}))
	a.take()

	require.NoError(t, f.engine.RegisterLive(ctx, "a", live))
	got := a.take()
	require.Len(t, got, 1)
	var snap events.Initialization
	require.NoError(t, got[0].Decode(&snap))
	require.Len(t, snap.ProcessedStrategies, 1)
	assert.Equal(t, "hint", snap.ProcessedStrategies[0].Name)
	require.Len(t, snap.ProcessedBookmarks, 1)
	assert.Equal(t, "look", snap.ProcessedBookmarks[0].Comment)
}

func strategyRequest(seq int64) events.Event {
	return liveEvent(events.KindStrategyRequested, seq, `{"groups":{"rule":[
		{"name":"hint"},
		{"name":"pause","mandatory":true,"activities":[{"a":1}]}
	]}}`)
}

func approvals(t *testing.T, ch <-chan []byte) events.StrategyApproval {
	t.Helper()
	select {
	case data := <-ch:
		ev, err := events.Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, events.KindStrategyApplied, ev.Kind)
		var a events.StrategyApproval
		require.NoError(t, ev.Decode(&a))
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no approval published")
		return events.StrategyApproval{}
	}
}

func TestAutoApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	domain := f.listen(t, bus.TopicDomain)

	f.connect(t, "a")
	f.connect(t, "b")
	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindSessionCreated, 1, `{}`)))
	require.NoError(t, f.engine.RegisterLive(ctx, "a", live))
	require.NoError(t, f.engine.RegisterLive(ctx, "b", live))
	require.NoError(t, f.engine.SetAutoMode(ctx, "a", true))

	// b still decides by hand, so only the mandatory strategy goes through.
	require.NoError(t, f.engine.HandleEvent(ctx, strategyRequest(2)))
	got := approvals(t, domain)
	require.Len(t, got.Strategies, 1)
	assert.Equal(t, "pause", got.Strategies[0].Name)
	assert.Equal(t, int64(2), got.RequestSeq)

	require.NoError(t, f.engine.SetAutoMode(ctx, "b", true))
	require.NoError(t, f.engine.HandleEvent(ctx, strategyRequest(3)))
	got = approvals(t, domain)
	assert.Len(t, got.Strategies, 2)
	assert.Equal(t, "auto", got.AppliedBy)
}

func TestAutoModeSurvivesReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	domain := f.listen(t, bus.TopicDomain)

	f.connect(t, "a")
	require.NoError(t, f.engine.SetAutoMode(ctx, "a", true))
	require.NoError(t, f.engine.Disconnect(ctx, "a"))
	f.connect(t, "a")

	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindSessionCreated, 1, `{}`)))
	require.NoError(t, f.engine.RegisterLive(ctx, "a", live))
	require.NoError(t, f.engine.HandleEvent(ctx, strategyRequest(2)))
	assert.Len(t, approvals(t, domain).Strategies, 2)
}

func TestPlaybackRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "a")
	b := f.connect(t, "b")

	meta, err := f.engine.RegisterPlayback(ctx, "a", recordedLog)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), meta.Start)
	assert.Equal(t, int64(3000), meta.End)

	got := a.take()
	require.NotEmpty(t, got)
	assert.Equal(t, events.KindSessionCreated, got[0].Kind)
	for _, ev := range got {
		assert.Equal(t, "a", ev.Key.Playback)
	}
	assert.Empty(t, b.take(), "replays are private")

	require.NoError(t, f.engine.SetPlaybackTime(ctx, "a", 2600))
	got = a.take()
	assert.Equal(t, []events.Kind{events.KindLearnerState, events.KindEntityState}, kinds(got))
	assert.Contains(t, string(got[0].Payload), "BelowExpectation")

	var oor *errdefs.OutOfRangeError
	assert.ErrorAs(t, f.engine.SetPlaybackTime(ctx, "a", 5000), &oor)

	timeline, err := f.engine.LearnerTimeline(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, timeline, 2)

	require.NoError(t, f.engine.StartPlayback(ctx, "a"))
	require.Eventually(t, func() bool { return a.has(events.KindLearnerState) }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.engine.StopPlayback(ctx, "a"))

	// Watching live ends the replay.
	require.NoError(t, f.engine.RegisterLive(ctx, "a", live))
	var nf *errdefs.NotFoundError
	assert.ErrorAs(t, f.engine.StartPlayback(ctx, "a"), &nf)
}

func TestRegisterPlaybackUnknownLog(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	_, err := f.engine.RegisterPlayback(context.Background(), "a", "missing")
	var nf *errdefs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestListLogs(t *testing.T) {
	f := newFixture(t)
	metas, err := f.engine.ListLogs(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, recordedLog, metas[0].ID)

	metas, err = f.engine.ListLogs(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestEditPatchPublishesScores(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockRecordPublisher(ctrl)
	f := newFixture(t, relay.WithRecordPublisher(pub))
	ctx := context.Background()
	f.connect(t, "a")
	_, err := f.engine.RegisterPlayback(ctx, "a", recordedLog)
	require.NoError(t, err)

	pub.EXPECT().PublishRecord(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, rec relay.Record) (relay.RecordAck, error) {
		assert.Equal(t, recordedLog, rec.LogID)
		assert.Equal(t, int64(2000), rec.Timestamp)
		assert.Equal(t, "score", rec.AttributeID)
		assert.JSONEq(t, `70`, string(rec.Old))
		assert.JSONEq(t, `85`, string(rec.New))
		assert.Equal(t, "reviewer", rec.Author)
		return relay.RecordAck{RecordID: "r-1"}, nil
	})

	out, err := f.engine.EditPatch(ctx, "a", "reviewer", 2000, "score", json.RawMessage(`85`))
	require.NoError(t, err)
	assert.True(t, out.Saved)
	assert.True(t, out.Published)
	assert.Equal(t, "r-1", out.RecordID)
	assert.Equal(t, patch.CurrentName(recordedLog), out.PatchFile)

	entries, err := f.engine.PatchEntries("a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `85`, string(entries[0].New))
}

func TestEditPatchPublishFailureKeepsSavedPatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockRecordPublisher(ctrl)
	f := newFixture(t, relay.WithRecordPublisher(pub))
	ctx := context.Background()
	f.connect(t, "a")
	_, err := f.engine.RegisterPlayback(ctx, "a", recordedLog)
	require.NoError(t, err)

	pub.EXPECT().PublishRecord(gomock.Any(), gomock.Any()).Return(relay.RecordAck{}, errors.New("store offline"))

	out, err := f.engine.EditPatch(ctx, "a", "reviewer", 2000, "score", json.RawMessage(`90`))
	var pe *errdefs.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, out.PatchFile, pe.PatchFile)
	assert.True(t, out.Saved)
	assert.False(t, out.Published)

	entries, err := f.engine.PatchEntries("a")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLearnerStateCorrectionsAreNotPublished(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockRecordPublisher(ctrl)
	f := newFixture(t, relay.WithRecordPublisher(pub))
	ctx := context.Background()
	a := f.connect(t, "a")
	_, err := f.engine.RegisterPlayback(ctx, "a", recordedLog)
	require.NoError(t, err)

	const attr = "performance.n1.assessment"
	out, err := f.engine.EditPatch(ctx, "a", "reviewer", 1500, attr, json.RawMessage(`"AboveExpectation"`))
	require.NoError(t, err)
	assert.False(t, out.Published)

	timeline, err := f.engine.LearnerTimeline(ctx, "a")
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Contains(t, string(timeline[0].Payload), "AboveExpectation")

	a.take()
	require.NoError(t, f.engine.SetPlaybackTime(ctx, "a", 2000))
	got := a.take()
	require.NotEmpty(t, got)
	assert.Contains(t, string(got[0].Payload), "AboveExpectation")

	_, err = f.engine.RemovePatch(ctx, "a", 1500, attr)
	require.NoError(t, err)
	timeline, err = f.engine.LearnerTimeline(ctx, "a")
	require.NoError(t, err)
	assert.Contains(t, string(timeline[0].Payload), "BelowExpectation")
}

func TestDeleteSessionPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "a")
	_, err := f.engine.RegisterPlayback(ctx, "a", recordedLog)
	require.NoError(t, err)

	_, err = f.engine.EditPatch(ctx, "a", "reviewer", 2000, "score", json.RawMessage(`10`))
	require.NoError(t, err)
	require.NoError(t, f.engine.DeleteSessionPatch(ctx, "a"))

	entries, err := f.engine.PatchEntries("a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEditPatchWithoutReplay(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	_, err := f.engine.EditPatch(context.Background(), "a", "x", 2000, "score", json.RawMessage(`1`))
	var nf *errdefs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestEditPatchFollowsCurrentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := recordedSession()
	other.Meta.ID = "log-2"
	f.logs.Add(other)

	f.connect(t, "a")
	_, err := f.engine.RegisterPlayback(ctx, "a", recordedLog)
	require.NoError(t, err)
	_, err = f.engine.RegisterPlayback(ctx, "a", "log-2")
	require.NoError(t, err)

	_, err = f.engine.EditPatch(ctx, "a", "reviewer", 2000, "score", json.RawMessage(`55`))
	require.NoError(t, err)
	assert.Len(t, f.patches.Entries("log-2"), 1)
	assert.Empty(t, f.patches.Entries(recordedLog))

	entries, err := f.engine.PatchEntries("a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "log-2", entries[0].LogID)
}

func TestProducerLostEndsSessions(t *testing.T) {
	f := newFixture(t,
		relay.WithHeartbeatTimeout(50*time.Millisecond),
		relay.WithRemovalGrace(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	a := f.connect(t, "a")
	require.NoError(t, f.engine.RegisterLive(ctx, "a", live))
	require.NoError(t, f.engine.HandleEvent(ctx, events.Event{Kind: events.KindHeartbeat, Source: "producer-1"}))
	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindSessionCreated, 1, `{}`)))

	require.Eventually(t, func() bool { return a.has(events.KindProducerLost) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !f.engine.IsWatching("a", live) }, time.Second, 10*time.Millisecond)

	_, err := f.engine.SessionState(live)
	var nf *errdefs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

// runWithSilentProducer starts the engine with a short heartbeat timeout and
// the given grace, and attaches live to producer-1, which then goes silent.
func runWithSilentProducer(t *testing.T, grace time.Duration) (*fixture, *observer, time.Time) {
	t.Helper()
	f := newFixture(t,
		relay.WithHeartbeatTimeout(50*time.Millisecond),
		relay.WithRemovalGrace(grace))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	a := f.connect(t, "a")
	require.NoError(t, f.engine.RegisterLive(ctx, "a", live))
	lastSeen := time.Now()
	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindSessionCreated, 1, `{}`)))
	return f, a, lastSeen
}

func TestRemovalGraceKeepsSessionRouted(t *testing.T) {
	const grace = 300 * time.Millisecond
	f, a, lastSeen := runWithSilentProducer(t, grace)
	ctx := context.Background()

	// Past the timeout, inside the grace period.
	time.Sleep(120 * time.Millisecond)
	_, err := f.engine.SessionState(live)
	require.NoError(t, err)
	assert.True(t, f.engine.IsWatching("a", live))
	assert.False(t, a.has(events.KindProducerLost))

	// No Source, so the producer is not seen alive again.
	ev := liveEvent(events.KindLearnerState, 2, `{"v":1}`)
	ev.Source = ""
	require.NoError(t, f.engine.HandleEvent(ctx, ev))
	assert.True(t, a.has(events.KindLearnerState))

	require.Eventually(t, func() bool { return a.has(events.KindProducerLost) }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(lastSeen), grace)
	require.Eventually(t, func() bool {
		_, err := f.engine.SessionState(live)
		var nf *errdefs.NotFoundError
		return errors.As(err, &nf)
	}, time.Second, 10*time.Millisecond)
}

func TestSessionClosingDuringRemovalGrace(t *testing.T) {
	f, a, _ := runWithSilentProducer(t, 300*time.Millisecond)
	ctx := context.Background()

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, f.engine.HandleEvent(ctx, liveEvent(events.KindSessionClosing, 2, `{}`)))
	assert.True(t, a.has(events.KindSessionClosing))

	// The closed session is no longer attributed to the producer.
	time.Sleep(400 * time.Millisecond)
	assert.False(t, a.has(events.KindProducerLost))
}

func TestRunConsumesMonitorTopic(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	data, err := events.Marshal(liveEvent(events.KindSessionCreated, 1, `{}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if _, err := f.bus.Publish(ctx, bus.TopicMonitor, data); err != nil {
			return false
		}
		return a.has(events.KindSessionCreated)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
