// Package events defines the session identity and the event envelope that
// flows from producers, through the relay, to observers.
package events

import (
	"fmt"
	"log/slog"
)

// SessionKey identifies a training session. Keys are compared by value and
// used directly as map keys.
//
// Playback is empty for live sessions. A replayed session carries the id of
// the observer that owns the replay so that two observers replaying the same
// log never share cache or routing state.
type SessionKey struct {
	SessionID int64  `json:"sessionId"`
	Host      string `json:"host"`
	Playback  string `json:"playback,omitempty"`
}

// IsPlayback reports whether the key belongs to a replayed session.
func (k SessionKey) IsPlayback() bool { return k.Playback != "" }

// Live returns the key with its playback owner cleared.
func (k SessionKey) Live() SessionKey {
	k.Playback = ""
	return k
}

// WithPlayback returns the key owned by the given observer's replay.
func (k SessionKey) WithPlayback(owner string) SessionKey {
	k.Playback = owner
	return k
}

func (k SessionKey) String() string {
	if k.Playback != "" {
		return fmt.Sprintf("%d@%s#%s", k.SessionID, k.Host, k.Playback)
	}
	return fmt.Sprintf("%d@%s", k.SessionID, k.Host)
}

// LogValue implements slog.LogValuer.
func (k SessionKey) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("id", k.SessionID),
		slog.String("host", k.Host),
	}
	if k.Playback != "" {
		attrs = append(attrs, slog.String("playback", k.Playback))
	}
	return slog.GroupValue(attrs...)
}
