package manager

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyluth/execmgr/internal/dispatch"
	"github.com/dyluth/execmgr/pkg/queue"
	"github.com/stretchr/testify/require"
)

// sent is one message published through fakeChannel.
type sent struct {
	address string
	msg     *queue.ControlMessage
}

// fakeChannel is an in-memory message channel. Every publish is acknowledged
// unless its address is listed in refuse.
type fakeChannel struct {
	inbox    chan *queue.Delivery
	closedCh chan struct{}
	closed   atomic.Bool
	pingErr  error

	mu       sync.Mutex
	sent     []sent
	events   []string // "send:<address>" and "close", in order
	refuse   map[string]bool
	onSend   func(address string, msg *queue.ControlMessage)
	closeErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbox:    make(chan *queue.Delivery, 64),
		closedCh: make(chan struct{}),
		refuse:   make(map[string]bool),
	}
}

func (c *fakeChannel) GetMessages(ctx context.Context, topic string, timeout time.Duration, max int) ([]*queue.Delivery, error) {
	if c.closed.Load() {
		return nil, queue.ErrClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-c.inbox:
		return []*queue.Delivery{d}, nil
	case <-timer.C:
		return []*queue.Delivery{}, nil
	case <-c.closedCh:
		return nil, queue.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) AddMessage(_ context.Context, address string, msg *queue.ControlMessage, requireAck bool) (bool, error) {
	if c.closed.Load() {
		return false, queue.ErrClosed
	}

	c.mu.Lock()
	c.sent = append(c.sent, sent{address: address, msg: msg})
	c.events = append(c.events, "send:"+address)
	refused := c.refuse[address]
	hook := c.onSend
	c.mu.Unlock()

	if refused {
		return false, nil
	}
	if hook != nil {
		hook(address, msg)
	}
	return requireAck, nil
}

func (c *fakeChannel) Ping(context.Context) error {
	if c.closed.Load() {
		return queue.ErrClosed
	}
	return c.pingErr
}

func (c *fakeChannel) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.closedCh)
		c.mu.Lock()
		c.events = append(c.events, "close")
		c.mu.Unlock()
	}
	return c.closeErr
}

// newDelivery encodes a control message as read from the manager topic.
func newDelivery(t *testing.T, key, value string) *queue.Delivery {
	t.Helper()
	body, err := queue.NewControlMessage(key, value).Encode()
	require.NoError(t, err)
	return &queue.Delivery{Topic: queue.ManagerTopic, Body: body}
}

// deliver queues a control message on the manager topic.
func (c *fakeChannel) deliver(t *testing.T, key, value string) {
	t.Helper()
	c.inbox <- newDelivery(t, key, value)
}

func (c *fakeChannel) deliverRaw(body string) {
	c.inbox <- &queue.Delivery{Topic: queue.ManagerTopic, Body: []byte(body)}
}

func (c *fakeChannel) sentTo(address string) []*queue.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msgs []*queue.ControlMessage
	for _, s := range c.sent {
		if s.address == address {
			msgs = append(msgs, s.msg)
		}
	}
	return msgs
}

func (c *fakeChannel) eventLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// fakeLimiter records swap calls.
type fakeLimiter struct {
	mu         sync.Mutex
	swappedIn  []int
	swappedOut []int
	minResid   []int64
	swapErr    error
}

func (l *fakeLimiter) SwapIn(_ context.Context, pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.swappedIn = append(l.swappedIn, pid)
	return l.swapErr
}

func (l *fakeLimiter) SwapOut(_ context.Context, pid int, minResident int64) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.swappedOut = append(l.swappedOut, pid)
	l.minResid = append(l.minResid, minResident)
	return []int64{1 << 30}, l.swapErr
}

func (l *fakeLimiter) ResidentBytes(context.Context, int) (uint64, error) {
	return 4096, nil
}

func (l *fakeLimiter) snapshot() (in, out []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.swappedIn...), append([]int(nil), l.swappedOut...)
}

func testOptions() Options {
	return Options{
		PollTimeout:   20 * time.Millisecond,
		PollErrorWait: 5 * time.Millisecond,
		GrowWait:      50 * time.Millisecond,
		Retry:         dispatch.Policy{MaxAttempts: 3},
	}
}

// startManager runs the control loop in the background until the test ends.
// The returned channel is closed when Run returns.
func startManager(t *testing.T, m *Manager) <-chan struct{} {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Run(context.Background()); err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	}()

	require.Eventually(t, m.Running, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("control loop did not exit")
		}
	})
	return done
}

func commandAction(t *testing.T, msg *queue.ControlMessage) string {
	t.Helper()
	require.Equal(t, queue.KeyWorkerCommand, msg.Key)
	var cmd queue.Command
	require.NoError(t, json.Unmarshal([]byte(msg.Value), &cmd))
	return cmd.Action
}
