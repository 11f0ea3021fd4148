// Package redis publishes routed messages with Redis PUBLISH.
package redis

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/clinicsales/eventlog"
)

var _ eventlog.Transport = (*Transport)(nil)

// DefaultPrefix namespaces channels so routing topics never clash with other
// users of the same Redis.
const DefaultPrefix = "eventlog:"

// Publisher is the subset of a go-redis client the transport needs.
// *redis.Client and redis.UniversalClient satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Transport publishes each message on channel <prefix><topic>.
type Transport struct {
	client Publisher
	prefix string
}

// Option configures a Transport.
type Option func(*Transport)

// WithPrefix overrides DefaultPrefix. An empty prefix publishes on the bare topic.
func WithPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// New wraps client. The client stays owned by the caller.
func New(client Publisher, opts ...Option) *Transport {
	t := &Transport{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewClient opens a client for addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Channel returns the Redis channel used for topic.
func (t *Transport) Channel(topic string) string {
	return t.prefix + topic
}

// Send publishes msg. Having no subscribers is not an error.
func (t *Transport) Send(ctx context.Context, topic string, msg eventlog.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := t.client.Publish(ctx, t.Channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", t.Channel(topic), err)
	}
	return nil
}
