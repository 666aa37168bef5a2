package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned by every operation after Close has been called.
var ErrClosed = errors.New("queue client is closed")

// Client provides namespace-scoped topic operations on Redis.
// All topics are automatically namespaced with the sandbox identifier.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb       *redis.Client
	namespace string
	closed    atomic.Bool
}

// Delivery is one raw message popped from a topic.
// Decoding is left to the consumer so a malformed message can be handled in isolation.
type Delivery struct {
	Topic string
	Body  []byte
}

// NewClient creates a new queue client for the specified namespace.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - namespace: sandbox identifier (must not be empty)
//
// Returns an error if namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// Connect parses address, creates a client and verifies connectivity.
// The address is either a redis:// URL or a plain host:port.
func Connect(ctx context.Context, address, namespace string) (*Client, error) {
	opts, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	client, err := NewClient(opts, namespace)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue not reachable at %s: %w", address, err)
	}

	return client, nil
}

// ParseAddress converts a queue address into Redis options.
func ParseAddress(address string) (*redis.Options, error) {
	if address == "" {
		return nil, fmt.Errorf("queue address cannot be empty")
	}
	if strings.Contains(address, "://") {
		opts, err := redis.ParseURL(address)
		if err != nil {
			return nil, fmt.Errorf("invalid queue URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: address}, nil
}

// Namespace returns the namespace all topics are scoped to.
func (c *Client) Namespace() string {
	return c.namespace
}

// Close closes the Redis connection. Implements io.Closer.
// Safe to call multiple times; after the first call every operation returns ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.rdb.Ping(ctx).Err()
}

// AddMessage pushes msg onto the topic named by address.
//
// With requireAck the returned bool reports whether Redis confirmed the push;
// false with a nil error never happens in that mode, a failed push returns the
// transport error. Without requireAck the push is still attempted but the
// result is always (false, nil) or the encoding error.
func (c *Client) AddMessage(ctx context.Context, address string, msg *ControlMessage, requireAck bool) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	data, err := msg.Encode()
	if err != nil {
		return false, fmt.Errorf("failed to encode message for %s: %w", address, err)
	}

	key := TopicKey(c.namespace, address)
	n, err := c.rdb.RPush(ctx, key, data).Result()
	if !requireAck {
		return false, nil
	}
	if err != nil {
		return false, c.wrap(fmt.Errorf("failed to push message to %s: %w", address, err))
	}

	return n > 0, nil
}

// GetMessage pops one message from topic, blocking up to timeout.
// Returns (nil, nil) when the timeout expires with no message.
func (c *Client) GetMessage(ctx context.Context, topic string, timeout time.Duration) (*Delivery, error) {
	deliveries, err := c.GetMessages(ctx, topic, timeout, 1)
	if err != nil || len(deliveries) == 0 {
		return nil, err
	}
	return deliveries[0], nil
}

// GetMessages pops up to max messages from topic, blocking up to timeout for
// the first one. Returns an empty slice when the timeout expires.
//
// Redis rounds blocking timeouts below one second up to one second.
func (c *Client) GetMessages(ctx context.Context, topic string, timeout time.Duration, max int) ([]*Delivery, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if max < 1 {
		max = 1
	}

	key := TopicKey(c.namespace, topic)

	// BLPOP returns [key, value]
	first, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return []*Delivery{}, nil
	}
	if err != nil {
		return nil, c.wrap(fmt.Errorf("failed to poll %s: %w", topic, err))
	}
	if len(first) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply for %s: %d elements", topic, len(first))
	}

	deliveries := make([]*Delivery, 0, max)
	deliveries = append(deliveries, &Delivery{Topic: topic, Body: []byte(first[1])})

	if max == 1 {
		return deliveries, nil
	}

	rest, err := c.rdb.LPopCount(ctx, key, max-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		// The first message is already off the list; hand it over rather than lose it.
		return deliveries, nil
	}
	for _, body := range rest {
		deliveries = append(deliveries, &Delivery{Topic: topic, Body: []byte(body)})
	}

	return deliveries, nil
}

// Pending returns the number of messages waiting on topic.
func (c *Client) Pending(ctx context.Context, topic string) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	n, err := c.rdb.LLen(ctx, TopicKey(c.namespace, topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", topic, err)
	}
	return n, nil
}

// wrap maps go-redis closed-client errors onto ErrClosed.
func (c *Client) wrap(err error) error {
	if errors.Is(err, redis.ErrClosed) || c.closed.Load() {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// IsClosed returns true if err was caused by using a closed client.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
