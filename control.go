package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/session-relay/bus"
	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
)

// Command operations.
const (
	OpConnect            = "connect"
	OpDisconnect         = "disconnect"
	OpRegisterLive       = "register_live"
	OpDeregisterLive     = "deregister_live"
	OpRegisterPlayback   = "register_playback"
	OpDeregisterPlayback = "deregister_playback"
	OpSeek               = "seek"
	OpPlay               = "play"
	OpPause              = "pause"
	OpSetAuto            = "set_auto"
	OpEditPatch          = "edit_patch"
	OpRemovePatch        = "remove_patch"
	OpDeletePatch        = "delete_patch"
	OpLearnerTimeline    = "learner_timeline"
	OpSessionState       = "session_state"
	OpSetGateway         = "set_gateway"
	OpListLogs           = "list_logs"
)

// Command is an observer request arriving on bus.TopicControl. Fields other
// than Op and Observer are used by the operations that need them.
type Command struct {
	ID          string             `json:"id,omitempty" jsonschema:"description=Echoed in the result"`
	Op          string             `json:"op" jsonschema:"enum=connect,enum=disconnect,enum=register_live,enum=deregister_live,enum=register_playback,enum=deregister_playback,enum=seek,enum=play,enum=pause,enum=set_auto,enum=edit_patch,enum=remove_patch,enum=delete_patch,enum=learner_timeline,enum=session_state,enum=set_gateway,enum=list_logs"`
	Observer    string             `json:"observer"`
	Key         *events.SessionKey `json:"key,omitempty"`
	LogID       string             `json:"logId,omitempty"`
	UserID      string             `json:"userId,omitempty"`
	Time        int64              `json:"time,omitempty"`
	Auto        bool               `json:"auto,omitempty"`
	Attribute   string             `json:"attribute,omitempty"`
	Value       json.RawMessage    `json:"value,omitempty"`
	Author      string             `json:"author,omitempty"`
	Connections []string           `json:"connections,omitempty"`
}

// CommandResult answers a Command on bus.ControlReplyTopic.
type CommandResult struct {
	ID     string `json:"id,omitempty"`
	Op     string `json:"op"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

var errMissingKey = errors.New("command needs a session key")

// HandleCommand executes cmd. Connecting through a command attaches a
// BusObserver for cmd.Observer.
func (e *Engine) HandleCommand(ctx context.Context, cmd Command) (any, error) {
	if cmd.Observer == "" && cmd.Op != OpListLogs && cmd.Op != OpSessionState {
		return nil, &errdefs.NotFoundError{Type: "observer", Name: cmd.Observer}
	}

	switch cmd.Op {
	case OpConnect:
		return nil, e.Connect(ctx, NewBusObserver(e.bus, cmd.Observer))
	case OpDisconnect:
		return nil, e.Disconnect(ctx, cmd.Observer)
	case OpRegisterLive:
		if cmd.Key == nil {
			return nil, errMissingKey
		}
		return nil, e.RegisterLive(ctx, cmd.Observer, *cmd.Key)
	case OpDeregisterLive:
		if cmd.Key == nil {
			return nil, errMissingKey
		}
		return nil, e.DeregisterLive(ctx, cmd.Observer, *cmd.Key)
	case OpRegisterPlayback:
		return e.RegisterPlayback(ctx, cmd.Observer, cmd.LogID)
	case OpDeregisterPlayback:
		return nil, e.DeregisterPlayback(ctx, cmd.Observer)
	case OpSeek:
		return nil, e.SetPlaybackTime(ctx, cmd.Observer, cmd.Time)
	case OpPlay:
		return nil, e.StartPlayback(ctx, cmd.Observer)
	case OpPause:
		return nil, e.StopPlayback(ctx, cmd.Observer)
	case OpSetAuto:
		return nil, e.SetAutoMode(ctx, cmd.Observer, cmd.Auto)
	case OpEditPatch:
		return e.EditPatch(ctx, cmd.Observer, cmd.Author, cmd.Time, cmd.Attribute, cmd.Value)
	case OpRemovePatch:
		return e.RemovePatch(ctx, cmd.Observer, cmd.Time, cmd.Attribute)
	case OpDeletePatch:
		return nil, e.DeleteSessionPatch(ctx, cmd.Observer)
	case OpLearnerTimeline:
		return e.LearnerTimeline(ctx, cmd.Observer)
	case OpSessionState:
		if cmd.Key == nil {
			return nil, errMissingKey
		}
		return e.SessionState(*cmd.Key)
	case OpSetGateway:
		return nil, e.SetGatewayTarget(ctx, cmd.Observer, cmd.Connections)
	case OpListLogs:
		return e.ListLogs(ctx, cmd.UserID)
	}
	return nil, fmt.Errorf("unknown command %q", cmd.Op)
}

func (e *Engine) handleControl(ctx context.Context, env bus.Envelope) error {
	var cmd Command
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		e.log.WarnContext(ctx, "engine.control.invalid", slog.String("id", env.ID), slog.String("err", err.Error()))
		return nil
	}

	res := CommandResult{ID: cmd.ID, Op: cmd.Op, OK: true}
	out, err := e.HandleCommand(ctx, cmd)
	if err != nil {
		res.OK, res.Error = false, err.Error()
		// A partially successful edit still reports what was saved.
		var pe *errdefs.PublishError
		if errors.As(err, &pe) {
			res.Result = out
		}
	} else {
		res.Result = out
	}

	if cmd.Observer == "" {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		e.log.WarnContext(ctx, "engine.control.encode", slog.String("err", err.Error()))
		return nil
	}
	if _, err := e.bus.Publish(ctx, bus.ControlReplyTopic(cmd.Observer), data); err != nil {
		e.log.WarnContext(ctx, "engine.control.reply", slog.String("err", err.Error()))
	}
	return nil
}
