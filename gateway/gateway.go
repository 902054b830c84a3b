// Package gateway mirrors session events to an external visualization
// gateway. The gateway is driven over the bus: control requests go to
// bus.TopicGatewayRequest and acknowledgements come back on a reply topic
// private to each client.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/session-relay/bus"
	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/internal/jsonrpc"
	"github.com/ggoodman/session-relay/internal/outbound"
	"github.com/google/uuid"
)

// Gateway methods.
const (
	MethodInitInterop = "init_interop"
	MethodTeardown    = "teardown"
	// MethodEvent is the notification carrying a mirrored event.
	MethodEvent = "event"
	// methodOpen marks the start of a reply topic and is never answered.
	methodOpen = "open"
)

// forwarded lists the kinds the gateway renders.
var forwarded = map[events.Kind]bool{
	events.KindEntityState:    true,
	events.KindGeolocation:    true,
	events.KindDetonation:     true,
	events.KindWeaponFire:     true,
	events.KindSessionCreated: true,
}

// Forwarded reports whether events of kind k are mirrored to the gateway.
func Forwarded(k events.Kind) bool { return forwarded[k] }

// Target selects which external applications the gateway connects for an
// observer. A nil Target, or one without connections, means disconnected.
type Target struct {
	Observer    string   `json:"observer"`
	Connections []string `json:"connections"`
}

func (t *Target) active() bool { return t != nil && len(t.Connections) > 0 }

// Equal reports whether t and o select the same connections for the same
// observer. Inactive targets are all equal.
func (t *Target) Equal(o *Target) bool {
	if !t.active() || !o.active() {
		return t.active() == o.active()
	}
	if t.Observer != o.Observer {
		return false
	}
	a, b := slices.Clone(t.Connections), slices.Clone(o.Connections)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func (t *Target) clone() *Target {
	if t == nil {
		return nil
	}
	return &Target{Observer: t.Observer, Connections: slices.Clone(t.Connections)}
}

// InitParams are the params of init_interop.
type InitParams struct {
	ClientID    string   `json:"clientId"`
	Observer    string   `json:"observer"`
	Connections []string `json:"connections"`
}

// TeardownParams are the params of teardown.
type TeardownParams struct {
	ClientID string `json:"clientId"`
}

// EventParams are the params of an event notification.
type EventParams struct {
	ClientID string       `json:"clientId"`
	Event    events.Event `json:"event"`
}

// Ack is the result of a control request. Accepted false is a refusal.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Client talks to the gateway on behalf of one relay.
type Client struct {
	bus     bus.Bus
	id      string
	timeout time.Duration
	log     *slog.Logger

	// mu serializes target changes.
	mu        sync.Mutex
	conn      *conn
	target    *Target
	connected atomic.Bool
}

type conn struct {
	disp   *outbound.Dispatcher
	cancel context.CancelFunc
	done   chan struct{}
	reply  string
}

// Option configures a Client.
type Option func(*Client)

// WithClientID sets the client id, which names the reply topic.
func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.id = id
		}
	}
}

// WithTimeout bounds how long a control request waits for its ack.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a disconnected client.
func New(b bus.Bus, opts ...Option) *Client {
	c := &Client{
		bus:     b,
		id:      uuid.NewString(),
		timeout: 30 * time.Second,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID is the client id.
func (c *Client) ID() string { return c.id }

// Connected reports whether the gateway acknowledged the current target.
func (c *Client) Connected() bool { return c.connected.Load() }

// Target returns the acknowledged target, or nil.
func (c *Client) Target() *Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target.clone()
}

// SetTarget points the gateway at t. Setting the current target again does
// nothing. An inactive t tears the gateway connection down. The target only
// changes once the gateway acknowledges it; otherwise a
// *errdefs.GatewayConnectError is returned.
func (c *Client) SetTarget(ctx context.Context, t *Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.target.Equal(t) {
		return nil
	}

	if !t.active() {
		if c.conn == nil {
			c.target = nil
			return nil
		}
		if err := c.call(ctx, c.conn, MethodTeardown, TeardownParams{ClientID: c.id}); err != nil {
			return &errdefs.GatewayConnectError{Op: MethodTeardown, Err: err}
		}
		c.target = nil
		c.connected.Store(false)
		c.log.Info("gateway.teardown")
		return nil
	}

	cn, created := c.conn, false
	if cn == nil {
		var err error
		cn, err = c.dial(ctx)
		if err != nil {
			return &errdefs.GatewayConnectError{Op: "connect", Err: err}
		}
		created = true
	}

	err := c.call(ctx, cn, MethodInitInterop, InitParams{
		ClientID:    c.id,
		Observer:    t.Observer,
		Connections: t.Connections,
	})
	if err != nil {
		if created {
			c.release(cn)
		}
		c.log.Warn("gateway.init.fail", slog.String("observer", t.Observer), slog.String("err", err.Error()))
		return &errdefs.GatewayConnectError{Op: MethodInitInterop, Err: err}
	}

	c.conn = cn
	c.target = t.clone()
	c.connected.Store(true)
	c.log.Info("gateway.connected", slog.String("observer", t.Observer), slog.Int("connections", len(t.Connections)))
	return nil
}

func (c *Client) call(ctx context.Context, cn *conn, method string, params any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := cn.disp.Call(ctx, method, params)
	if err != nil {
		return err
	}
	var ack Ack
	if err := json.Unmarshal(resp.Result, &ack); err != nil {
		return fmt.Errorf("decode %s ack: %w", method, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("%s refused: %s", method, ack.Reason)
	}
	return nil
}

// dial opens the reply topic. A marker envelope pins the position the
// subscription starts after, so no acknowledgement can be missed.
func (c *Client) dial(ctx context.Context) (*conn, error) {
	reply := bus.GatewayReplyTopic(c.id)
	marker, err := json.Marshal(jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: methodOpen})
	if err != nil {
		return nil, err
	}
	lastID, err := c.bus.Publish(ctx, reply, marker)
	if err != nil {
		return nil, fmt.Errorf("open reply topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	cn := &conn{cancel: cancel, done: make(chan struct{}), reply: reply}
	cn.disp = outbound.New(transport{c}, c.id)

	go func() {
		defer close(cn.done)
		err := c.bus.Subscribe(subCtx, reply, lastID, func(ctx context.Context, env bus.Envelope) error {
			var m jsonrpc.Message
			if err := json.Unmarshal(env.Data, &m); err != nil {
				c.log.Warn("gateway.reply.invalid", slog.String("err", err.Error()))
				return nil
			}
			if m.Response != nil && !cn.disp.OnResponse(m.Response) {
				c.log.Debug("gateway.reply.unmatched", slog.String("id", string(m.Response.ID)))
			}
			return nil
		})
		if subCtx.Err() == nil {
			c.log.Warn("gateway.reply.closed", slog.Any("err", err))
			c.connected.Store(false)
		}
		cn.disp.Close(err)
	}()
	return cn, nil
}

func (c *Client) release(cn *conn) {
	cn.cancel()
	<-cn.done
	cn.disp.Close(nil)
	if err := c.bus.Cleanup(context.Background(), cn.reply); err != nil {
		c.log.Warn("gateway.reply.cleanup", slog.String("err", err.Error()))
	}
}

type transport struct{ c *Client }

func (t transport) Send(ctx context.Context, req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = t.c.bus.Publish(ctx, bus.TopicGatewayRequest, b)
	return err
}

// Forward mirrors ev to the gateway. Events are dropped while disconnected
// and when their kind is not rendered by the gateway.
func (c *Client) Forward(ctx context.Context, ev events.Event) error {
	if !c.connected.Load() || !forwarded[ev.Kind] {
		return nil
	}
	req, err := jsonrpc.NewRequest("", MethodEvent, EventParams{ClientID: c.id, Event: ev})
	if err != nil {
		return err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.bus.Publish(ctx, bus.TopicGatewayEvents, b); err != nil {
		return fmt.Errorf("forward %s: %w", ev.Kind, err)
	}
	return nil
}

// Close releases the control connection without tearing the gateway down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.release(c.conn)
		c.conn = nil
	}
	c.target = nil
	c.connected.Store(false)
}
