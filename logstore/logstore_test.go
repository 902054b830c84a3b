package logstore

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	all := Metadata{}.Filter()
	assert.True(t, all(events.Event{Kind: events.KindEntityState}))
	assert.False(t, all(events.Event{Kind: events.KindHeartbeat}))

	only := Metadata{Kinds: []events.Kind{events.KindLearnerState, events.KindHeartbeat}}.Filter()
	assert.True(t, only(events.Event{Kind: events.KindLearnerState}))
	assert.False(t, only(events.Event{Kind: events.KindEntityState}))
	assert.False(t, only(events.Event{Kind: events.KindHeartbeat}), "non-routable kinds never replay")
}

func TestBounds(t *testing.T) {
	l := &Log{Events: []events.Event{{Time: 300}, {Time: 100}, {Time: 200}}}
	l.Bounds()
	assert.Equal(t, int64(100), l.Meta.Start)
	assert.Equal(t, int64(300), l.Meta.End)

	fixed := &Log{Meta: Metadata{Start: 50, End: 500}, Events: []events.Event{{Time: 100}}}
	fixed.Bounds()
	assert.Equal(t, int64(50), fixed.Meta.Start)
	assert.Equal(t, int64(500), fixed.Meta.End)
}

func TestMemory(t *testing.T) {
	m := NewMemory(
		&Log{Meta: Metadata{ID: "b", UserID: "bob"}},
		&Log{Meta: Metadata{ID: "a", UserID: "alice"}},
	)

	all, err := m.ListLogs(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	l, err := m.LoadLog(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "bob", l.Meta.UserID)

	_, err = m.LoadLog(context.Background(), "zzz")
	var nf *errdefs.NotFoundError
	require.True(t, errors.As(err, &nf))
}
