// Package bus is the message transport between producers, the relay and the
// external gateway. Topics are isolated from each other and delivery within a
// topic is ordered.
package bus

import (
	"context"
	"errors"
)

// Well-known topics.
const (
	// TopicMonitor carries every session event emitted by producers.
	TopicMonitor = "monitor"
	// TopicDiscovery carries producer heartbeats.
	TopicDiscovery = "discovery"
	// TopicDomain receives events the relay sends back to producers, such as
	// auto-approved strategies.
	TopicDomain = "domain"
	// TopicRecords receives corrected scores for the external record store.
	TopicRecords = "records"
	// TopicControl carries observer commands for a standalone relay.
	TopicControl = "control"
	// TopicGatewayRequest receives control requests for the visualization gateway.
	TopicGatewayRequest = "gateway.request"
	// TopicGatewayEvents receives events mirrored to the visualization gateway.
	TopicGatewayEvents = "gateway.events"
)

// ObserverTopic is the topic a remote observer reads its deliveries from.
func ObserverTopic(id string) string { return "observer." + id }

// ControlReplyTopic is the topic command results for an observer go to.
func ControlReplyTopic(id string) string { return "control.reply." + id }

// GatewayReplyTopic is the topic a gateway client reads acknowledgements from.
func GatewayReplyTopic(clientID string) string { return "gateway.reply." + clientID }

// ErrClosed is returned by Subscribe when its topic was cleaned up.
var ErrClosed = errors.New("bus: topic closed")

// Bus publishes opaque payloads to topics and delivers them to subscribers.
type Bus interface {
	// Publish appends data to the topic and returns its generated id.
	Publish(ctx context.Context, topic string, data []byte) (id string, err error)

	// Subscribe calls handler for each envelope published to the topic, in
	// order, until ctx is done or handler returns an error. With an empty
	// lastID delivery starts at the next published envelope; otherwise it
	// resumes after lastID.
	Subscribe(ctx context.Context, topic string, lastID string, handler Handler) error

	// Cleanup removes the topic's retained envelopes and closes its subscribers.
	Cleanup(ctx context.Context, topic string) error
}

// Handler processes one envelope. Returning an error stops the subscription.
type Handler func(ctx context.Context, env Envelope) error

// Envelope wraps a payload with its topic-unique, increasing id.
type Envelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
