// Package storage is a small namespaced key-value store. The relay keeps its
// patch-file index and observer preferences here so that several relay
// instances pointed at the same backend agree on them.
package storage

import (
	"context"
	"time"
)

// Storage is implemented by the memory and redis backends.
type Storage interface {
	// Get returns the item stored under key, or nil if it is missing or expired.
	// An error is returned only for backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the key named by WithKey, or the whole namespace when no
	// key is given.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases the backend.
	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item's TTL has elapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a single operation.
type Option func(*Options)

// Options is the resolved set of operation options.
type Options struct {
	Namespace Namespace
	Key       *string
	TTL       *time.Duration
}

// Resolve applies opts in order.
func Resolve(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Namespace scopes keys. A nil namespace is the global one.
type Namespace interface {
	// Prefix is the key prefix shared by every key of the namespace.
	Prefix() string
}

// LogNamespace holds data about one recorded session log.
type LogNamespace struct {
	LogID string
}

func (ns LogNamespace) Prefix() string { return "log:" + ns.LogID + ":" }

// ObserverNamespace holds preferences of one observer.
type ObserverNamespace struct {
	ObserverID string
}

func (ns ObserverNamespace) Prefix() string { return "observer:" + ns.ObserverID + ":" }

// FullKey returns the namespaced form of key.
func FullKey(ns Namespace, key string) string {
	if ns == nil {
		return "global:" + key
	}
	return ns.Prefix() + key
}

// NamespacePrefix returns the prefix shared by every key in ns.
func NamespacePrefix(ns Namespace) string {
	if ns == nil {
		return "global:"
	}
	return ns.Prefix()
}

// WithLog scopes the operation to a recorded log.
func WithLog(logID string) Option {
	return func(o *Options) { o.Namespace = LogNamespace{LogID: logID} }
}

// WithObserver scopes the operation to an observer.
func WithObserver(observerID string) Option {
	return func(o *Options) { o.Namespace = ObserverNamespace{ObserverID: observerID} }
}

// WithKey names the key a Delete removes.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL expires the stored value after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}
