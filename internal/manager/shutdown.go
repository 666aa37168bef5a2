package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dyluth/execmgr/internal/metrics"
	"github.com/dyluth/execmgr/internal/pool"
	"github.com/dyluth/execmgr/pkg/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Shutdown stops every idle worker, then every spawner, then closes the
// message channel and stops the control loop. Busy workers are stopped too
// when ShutdownBusyWorkers is set. A failed stop is logged and reported in
// the returned error; teardown continues regardless.
// Only the first call does anything.
func (m *Manager) Shutdown(ctx context.Context) error {
	first := false
	m.shutdownOnce.Do(func() {
		first = true
		m.shutdownErr = m.shutdown(ctx)
	})
	if !first {
		return nil
	}
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.admitMu.Lock()
	err := m.lifecycle.Event(ctx, eventStop)
	m.admitMu.Unlock()
	if err != nil {
		return fmt.Errorf("cannot shut down from state %s: %w", m.State(), err)
	}

	topics := m.registry.Topics()
	m.logEvent("shutdown_started",
		zap.Int("topics", len(topics)),
		zap.Bool("stop_busy_workers", m.opts.ShutdownBusyWorkers))

	var errs []error

	// Workers, then spawners. Each step finishes before the next starts.
	errs = append(errs, m.fanOut(topics, func(topic string) []pool.Handle {
		handles := m.registry.DrainAvailable(topic)
		if m.opts.ShutdownBusyWorkers {
			handles = append(handles, m.registry.DrainBusy(topic)...)
		}
		m.observePool(topic)
		return handles
	}, func(topic string, h pool.Handle) error {
		return m.sendStop(ctx, topic, h, metrics.TargetWorker)
	})...)

	spawners := m.registry.Spawners()
	spawnerTopics := make([]string, 0, len(spawners))
	for topic := range spawners {
		spawnerTopics = append(spawnerTopics, topic)
	}
	errs = append(errs, m.fanOut(spawnerTopics, func(topic string) []pool.Handle {
		return []pool.Handle{spawners[topic]}
	}, func(topic string, h pool.Handle) error {
		return m.sendStop(ctx, topic, h, metrics.TargetSpawner)
	})...)

	if err := m.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	m.running.Store(false)
	if err := m.lifecycle.Event(ctx, eventFinish); err != nil {
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	if err != nil {
		m.logger.Error("Shutdown finished with errors", zap.Error(err))
	} else {
		m.logEvent("shutdown_completed")
	}
	return err
}

// fanOut runs stop for every handle collected per topic, one goroutine per
// topic, and returns the failures.
func (m *Manager) fanOut(topics []string, collect func(topic string) []pool.Handle, stop func(topic string, h pool.Handle) error) []error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, topic := range topics {
		topic := topic
		handles := collect(topic)
		if len(handles) == 0 {
			continue
		}
		g.Go(func() error {
			for _, h := range handles {
				if err := stop(topic, h); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

// stopLate stops a process that reported in after shutdown began. It never
// joins a pool, so the shutdown walk would not reach it.
func (m *Manager) stopLate(ctx context.Context, topic string, h pool.Handle, target string) error {
	m.logEvent("late_registration_stopped",
		zap.String("target", target),
		zap.String("function_topic", topic),
		zap.Int("pid", int(h)))
	return m.sendStop(ctx, topic, h, target)
}

func (m *Manager) sendStop(ctx context.Context, topic string, h pool.Handle, target string) error {
	msg, err := queue.NewCommandMessage(queue.ActionStop)
	if err != nil {
		return err
	}

	if err := m.dispatcher.SendMessage(ctx, queue.WorkerAddress(topic, int(h)), msg); err != nil {
		m.logger.Warn("Failed to stop process",
			zap.String("target", target),
			zap.String("function_topic", topic),
			zap.Int("pid", int(h)),
			zap.Error(err))
		return fmt.Errorf("stop %s %s-%d: %w", target, topic, h, err)
	}

	m.metrics.ObserveShutdownStop(target)
	m.logger.Info("Waiting for process to shut down",
		zap.String("target", target),
		zap.String("function_topic", topic),
		zap.Int("pid", int(h)))
	return nil
}
