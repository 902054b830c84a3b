package statecache

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var key = events.SessionKey{SessionID: 1, Host: "alice"}

func learnerState(seq, at int64, body string) events.Event {
	return events.Event{Kind: events.KindLearnerState, Key: key, Seq: seq, Time: at, Source: "p1", Payload: json.RawMessage(body)}
}

func TestProcessCachesState(t *testing.T) {
	c := New()

	assert.False(t, c.Process(learnerState(1, 100, `{"v":1}`)))
	assert.False(t, c.Process(events.Event{Kind: events.KindStrategyDefinitions, Key: key, Seq: 2, Time: 50, Payload: json.RawMessage(`{"s":[]}`)}))

	e, ok := c.Get(key)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(e.LearnerState))
	assert.JSONEq(t, `{"s":[]}`, string(e.StrategyDefinitions))
	assert.Equal(t, int64(100), e.LatestTime)
	assert.Equal(t, "p1", e.Producer)
}

func TestDuplicateIsIgnored(t *testing.T) {
	c := New()
	require.False(t, c.Process(learnerState(7, 100, `{"v":1}`)))
	require.True(t, c.Process(learnerState(7, 200, `{"v":2}`)))

	e, _ := c.Get(key)
	assert.JSONEq(t, `{"v":1}`, string(e.LearnerState))
	assert.Equal(t, int64(100), e.LatestTime)
}

func TestDropThenGetMisses(t *testing.T) {
	c := New()
	c.Process(learnerState(1, 100, `{}`))
	c.Drop(key)

	_, ok := c.Get(key)
	assert.False(t, ok)

	_, err := c.Lookup(key)
	var nf *errdefs.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "session", nf.Type)

	// Sequences are forgotten with the entry.
	assert.False(t, c.Process(learnerState(1, 100, `{}`)))
}

func TestPlaybackIsNotDeduplicated(t *testing.T) {
	c := New()
	pk := key.WithPlayback("obs")
	ev := learnerState(1, 100, `{}`)
	ev.Key = pk

	assert.False(t, c.Process(ev))
	assert.False(t, c.Process(ev))
}

func TestProducerLostIsNeverDuplicate(t *testing.T) {
	c := New()
	require.False(t, c.Process(learnerState(3, 100, `{}`)))
	lost := events.Event{Kind: events.KindProducerLost, Key: key, Seq: 3, Time: 200}
	assert.False(t, c.Process(lost))
}

func TestPlaybackPrunesFutureStrategies(t *testing.T) {
	c := New()
	pk := key.WithPlayback("obs")

	apply := events.Event{Kind: events.KindStrategyApplied, Key: pk, Seq: 5, Time: 500}
	apply, err := apply.WithPayload(events.StrategyApproval{Strategies: []events.StrategyCandidate{{Name: "hint"}}, AppliedBy: "auto"})
	require.NoError(t, err)
	c.Process(apply)
	c.CacheProcessedStrategy(pk, events.ProcessedStrategy{Name: "early", TimePerformed: 100})

	e, _ := c.Get(pk)
	require.Len(t, e.ProcessedStrategies, 2)

	// Seek back to t=200.
	back := learnerState(2, 200, `{}`)
	back.Key = pk
	c.Process(back)

	e, _ = c.Get(pk)
	require.Len(t, e.ProcessedStrategies, 1)
	assert.Equal(t, "early", e.ProcessedStrategies[0].Name)
}

func TestProcessedCachesRequireEntry(t *testing.T) {
	c := New()
	assert.False(t, c.CacheProcessedStrategy(key, events.ProcessedStrategy{Name: "x"}))
	assert.False(t, c.CacheProcessedBookmark(key, events.ProcessedBookmark{Time: 1}))

	c.Process(learnerState(1, 100, `{}`))
	assert.True(t, c.CacheProcessedBookmark(key, events.ProcessedBookmark{Time: 30}, events.ProcessedBookmark{Time: 10}))

	e, _ := c.Get(key)
	require.Len(t, e.ProcessedBookmarks, 2)
	assert.Equal(t, int64(10), e.ProcessedBookmarks[0].Time)
}

func TestSnapshotIsIsolated(t *testing.T) {
	c := New()
	c.Process(learnerState(1, 100, `{"v":1}`))

	e, _ := c.Get(key)
	e.LearnerState[0] = 'x'

	again, _ := c.Get(key)
	assert.JSONEq(t, `{"v":1}`, string(again.LearnerState))
}

func TestKeysForProducer(t *testing.T) {
	c := New()
	c.Process(learnerState(1, 100, `{}`))
	other := events.Event{Kind: events.KindLearnerState, Key: events.SessionKey{SessionID: 2, Host: "bob"}, Seq: 1, Source: "p2"}
	c.Process(other)

	assert.Equal(t, []events.SessionKey{key}, c.KeysForProducer("p1"))
	assert.Len(t, c.Keys(), 2)

	c.SetAttached(key, true)
	e, _ := c.Get(key)
	assert.True(t, e.Attached)
}

func TestWindowEvictsOldSequences(t *testing.T) {
	c := New(WithWindow(2))
	c.Process(learnerState(1, 1, `{}`))
	c.Process(learnerState(2, 2, `{}`))
	c.Process(learnerState(3, 3, `{}`))

	assert.True(t, c.Process(learnerState(3, 3, `{}`)))
	assert.False(t, c.Process(learnerState(1, 1, `{}`)), "sequence 1 fell out of the window")
}

func TestProcessIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seqs := rapid.SliceOfN(rapid.Int64Range(0, 50), 1, 40).Draw(t, "seqs")

		once, twice := New(), New()
		for _, s := range seqs {
			ev := learnerState(s, s*10, `{"seq":`+jsonInt(s)+`}`)
			once.Process(ev)
			twice.Process(ev)
			if !twice.Process(ev) {
				t.Fatalf("second processing of seq %d was not a duplicate", s)
			}
		}

		a, _ := once.Get(key)
		b, _ := twice.Get(key)
		if string(a.LearnerState) != string(b.LearnerState) || a.LatestTime != b.LatestTime {
			t.Fatalf("state diverged: %s/%d vs %s/%d", a.LearnerState, a.LatestTime, b.LearnerState, b.LatestTime)
		}
	})
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
