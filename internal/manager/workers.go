package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/execmgr/internal/metrics"
	"github.com/dyluth/execmgr/internal/pool"
	"github.com/dyluth/execmgr/pkg/queue"
	"go.uber.org/zap"
)

// AllocateWorker hands out an idle worker of topic and swaps it in.
// When the pool is empty it asks the topic's spawner for a new worker and
// waits for it to register, for at most MaxGrowAttempts rounds.
func (m *Manager) AllocateWorker(ctx context.Context, topic string) (pool.Handle, error) {
	if !m.running.Load() {
		return 0, ErrNotRunning
	}

	for attempt := 1; ; attempt++ {
		// Subscribe before growing so a registration cannot slip between
		// the failed allocation and the wait.
		changed, err := m.registry.Changed(topic)
		if err != nil {
			return 0, err
		}

		h, err := m.registry.Allocate(topic)
		if err == nil {
			m.observePool(topic)
			m.swapIn(ctx, topic, h)
			m.logEvent("worker_allocated",
				zap.String("function_topic", topic),
				zap.Int("pid", int(h)),
				zap.Int("attempt", attempt))
			return h, nil
		}
		if !errors.Is(err, pool.ErrNoAvailableWorker) {
			return 0, err
		}

		if attempt > m.opts.MaxGrowAttempts {
			m.logEvent("pool_exhausted",
				zap.String("function_topic", topic),
				zap.Int("grow_attempts", m.opts.MaxGrowAttempts))
			return 0, fmt.Errorf("allocate %q after %d grow attempts: %w", topic, m.opts.MaxGrowAttempts, ErrPoolExhausted)
		}

		if err := m.AddWorker(ctx, topic); err != nil {
			return 0, fmt.Errorf("allocate %q: %w", topic, err)
		}

		timer := time.NewTimer(m.opts.GrowWait)
		select {
		case <-changed:
		case <-timer.C:
			m.logger.Warn("No worker registered within grow wait",
				zap.String("function_topic", topic),
				zap.Duration("grow_wait", m.opts.GrowWait),
				zap.Int("attempt", attempt))
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("allocate %q: %w", topic, ctx.Err())
		}
		timer.Stop()
	}
}

// FreeWorker returns a busy worker of topic to the pool and swaps it out.
func (m *Manager) FreeWorker(ctx context.Context, topic string, h pool.Handle) error {
	if err := m.registry.Free(topic, h); err != nil {
		return err
	}
	m.observePool(topic)

	applied, err := m.limiter.SwapOut(ctx, int(h), m.opts.MinResidentBytes)
	m.metrics.ObserveSwap(metrics.DirectionOut, err)
	if err != nil {
		m.logger.Warn("Swap-out failed",
			zap.String("function_topic", topic),
			zap.Int("pid", int(h)),
			zap.Error(err))
	}
	if len(applied) > 0 {
		m.logger.Debug("Swap-out applied",
			zap.Int("pid", int(h)),
			zap.Int64("final_limit_bytes", applied[len(applied)-1]),
			zap.Int("steps", len(applied)))
	}

	m.logEvent("worker_freed",
		zap.String("function_topic", topic),
		zap.Int("pid", int(h)))
	return nil
}

// AddWorker asks the spawner of topic to fork one more worker. The new
// worker joins the pool when it reports in.
func (m *Manager) AddWorker(ctx context.Context, topic string) error {
	parent, err := m.registry.Spawner(topic)
	if err != nil {
		return err
	}

	if err := m.spawner.Spawn(ctx, topic, parent); err != nil {
		return fmt.Errorf("spawn worker for %q: %w", topic, err)
	}

	m.logEvent("worker_requested",
		zap.String("function_topic", topic),
		zap.Int("spawner_pid", int(parent)))
	return nil
}

// UpdateWorker delivers an arbitrary payload to one worker under the
// reserved worker command key, retrying until it is acknowledged.
func (m *Manager) UpdateWorker(ctx context.Context, topic string, h pool.Handle, payload string) error {
	return m.dispatcher.Send(ctx, topic, int(h), queue.KeyWorkerCommand, payload)
}

// RegisterSpawner records the process that forks workers for topic.
func (m *Manager) RegisterSpawner(topic string, h pool.Handle) {
	m.registry.SetSpawner(topic, h)
	m.logEvent("spawner_registered",
		zap.String("function_topic", topic),
		zap.Int("pid", int(h)))
}

func (m *Manager) swapIn(ctx context.Context, topic string, h pool.Handle) {
	err := m.limiter.SwapIn(ctx, int(h))
	m.metrics.ObserveSwap(metrics.DirectionIn, err)
	if err != nil {
		m.logger.Warn("Swap-in failed",
			zap.String("function_topic", topic),
			zap.Int("pid", int(h)),
			zap.Error(err))
		return
	}

	if rss, err := m.limiter.ResidentBytes(ctx, int(h)); err == nil {
		m.logger.Debug("Worker swapped in",
			zap.Int("pid", int(h)),
			zap.Uint64("rss_bytes", rss))
	}
}
