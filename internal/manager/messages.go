package manager

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/dyluth/execmgr/internal/metrics"
	"github.com/dyluth/execmgr/internal/pool"
	"github.com/dyluth/execmgr/pkg/queue"
	"go.uber.org/zap"
)

// metric label for keys outside the reserved set
const otherKey = "other"

// handleDelivery decodes one message from the manager topic and dispatches it
// by key. A panic in a handler is turned into an error.
func (m *Manager) handleDelivery(ctx context.Context, d *queue.Delivery) (err error) {
	label := otherKey
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling control message: %v", r)
			m.logger.Error("Recovered from panic in control message handler",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
		switch {
		case err != nil:
			m.metrics.ObserveControlMessage(label, metrics.OutcomeFailed)
		case label == otherKey:
			m.metrics.ObserveControlMessage(label, metrics.OutcomeIgnored)
		default:
			m.metrics.ObserveControlMessage(label, metrics.OutcomeHandled)
		}
	}()

	msg, err := queue.DecodeControlMessage(d.Body)
	if err != nil {
		return err
	}

	switch msg.Key {
	case queue.KeyWorkerReporting:
		label = msg.Key
		return m.handleWorkerReporting(ctx, msg)
	case queue.KeySpawnerReporting:
		label = msg.Key
		return m.handleSpawnerReporting(ctx, msg)
	default:
		m.logger.Debug("Ignoring control message with unknown key",
			zap.String("key", msg.Key),
			zap.String("message_id", msg.ID))
		return nil
	}
}

// handleWorkerReporting adds a freshly started worker to its topic's pool.
func (m *Manager) handleWorkerReporting(ctx context.Context, msg *queue.ControlMessage) error {
	topic, pid, err := queue.DecodeReporting(msg.Value)
	if err != nil {
		return fmt.Errorf("worker reporting %s: %w", msg.ID, err)
	}

	var added bool
	if !m.admit(func() { added = m.registry.Register(topic, pool.Handle(pid)) }) {
		return m.stopLate(ctx, topic, pool.Handle(pid), metrics.TargetWorker)
	}
	if !added {
		m.logger.Debug("Worker already registered",
			zap.String("function_topic", topic),
			zap.Int("pid", pid))
		return nil
	}
	m.observePool(topic)

	m.logEvent("worker_registered",
		zap.String("function_topic", topic),
		zap.Int("pid", pid))

	if rss, err := m.limiter.ResidentBytes(ctx, pid); err == nil {
		m.logger.Debug("Worker resident memory",
			zap.Int("pid", pid),
			zap.Uint64("rss_bytes", rss))
	}
	return nil
}

// handleSpawnerReporting records the process that forks workers for a topic.
func (m *Manager) handleSpawnerReporting(ctx context.Context, msg *queue.ControlMessage) error {
	topic, pid, err := queue.DecodeReporting(msg.Value)
	if err != nil {
		return fmt.Errorf("spawner reporting %s: %w", msg.ID, err)
	}

	if !m.admit(func() { m.RegisterSpawner(topic, pool.Handle(pid)) }) {
		return m.stopLate(ctx, topic, pool.Handle(pid), metrics.TargetSpawner)
	}
	return nil
}
