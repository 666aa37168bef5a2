// Package manager implements the execution manager of a sandbox: it keeps the
// per-topic pools of worker processes, registers workers as they report in,
// hands them out and takes them back, and tears everything down on shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/execmgr/internal/config"
	"github.com/dyluth/execmgr/internal/dispatch"
	"github.com/dyluth/execmgr/internal/metrics"
	"github.com/dyluth/execmgr/internal/pool"
	"github.com/dyluth/execmgr/internal/routing"
	"github.com/dyluth/execmgr/pkg/queue"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

var (
	// ErrPoolExhausted is returned by AllocateWorker when growing the pool did
	// not produce an available worker in time.
	ErrPoolExhausted = errors.New("worker pool exhausted")

	// ErrNotRunning is returned when an operation needs a live manager.
	ErrNotRunning = errors.New("execution manager is not running")

	// ErrShutDown is returned by Run when Shutdown happened before the loop started.
	ErrShutDown = errors.New("execution manager already shut down")
)

// Lifecycle states.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"

	eventStart  = "start"
	eventStop   = "stop"
	eventFinish = "finish"
)

// Channel is the message channel the manager talks through.
type Channel interface {
	GetMessages(ctx context.Context, topic string, timeout time.Duration, max int) ([]*queue.Delivery, error)
	AddMessage(ctx context.Context, address string, msg *queue.ControlMessage, requireAck bool) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Limiter applies memory limits when workers are handed out and taken back.
type Limiter interface {
	SwapIn(ctx context.Context, pid int) error
	SwapOut(ctx context.Context, pid int, minResident int64) ([]int64, error)
	ResidentBytes(ctx context.Context, pid int) (uint64, error)
}

// Options tunes a Manager. Zero values take the defaults of config.ManagerConfig.
type Options struct {
	PollTimeout         time.Duration
	PollMaxMessages     int
	PollErrorWait       time.Duration // Pause after a failed poll
	MaxGrowAttempts     int
	GrowWait            time.Duration
	ShutdownBusyWorkers bool
	MinResidentBytes    int64
	Retry               dispatch.Policy

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Spawner Spawner // Defaults to a CommandSpawner on the manager's dispatcher
}

// OptionsFromConfig maps a validated configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	d := cfg.Manager.Dispatch
	retry := dispatch.DefaultPolicy
	if d.InitialInterval != nil {
		retry = dispatch.Policy{
			InitialInterval: *d.InitialInterval,
			MaxInterval:     *d.MaxInterval,
			MaxAttempts:     *d.MaxAttempts,
			MaxElapsed:      *d.MaxElapsed,
		}
	}

	return Options{
		PollTimeout:         cfg.Manager.PollTimeout,
		PollMaxMessages:     cfg.Manager.PollMaxMessages,
		MaxGrowAttempts:     cfg.Manager.MaxGrowAttempts,
		GrowWait:            cfg.Manager.GrowWait,
		ShutdownBusyWorkers: cfg.Manager.ShutdownBusyWorkers,
		MinResidentBytes:    cfg.Limits.MinResidentBytes,
		Retry:               retry,
	}
}

func (o *Options) applyDefaults() {
	if o.PollTimeout <= 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.PollMaxMessages <= 0 {
		o.PollMaxMessages = 500
	}
	if o.PollErrorWait <= 0 {
		o.PollErrorWait = 500 * time.Millisecond
	}
	if o.MaxGrowAttempts <= 0 {
		o.MaxGrowAttempts = 3
	}
	if o.GrowWait <= 0 {
		o.GrowWait = 5 * time.Second
	}
	if o.MinResidentBytes <= 0 {
		o.MinResidentBytes = 262144
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Manager owns the worker pools of one sandbox.
type Manager struct {
	channel    Channel
	limiter    Limiter
	registry   *pool.Registry
	dispatcher *dispatch.Dispatcher
	spawner    Spawner
	routes     *routing.Table
	metrics    *metrics.Metrics
	logger     *zap.Logger
	opts       Options

	lifecycle    *fsm.FSM
	admitMu      sync.RWMutex // held for writing across the stop transition
	running      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a manager in the idle state. channel and limiter are required.
func New(channel Channel, limiter Limiter, opts Options) *Manager {
	opts.applyDefaults()

	m := &Manager{
		channel:  channel,
		limiter:  limiter,
		registry: pool.NewRegistry(),
		routes:   routing.NewTable(),
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("manager"),
		opts:     opts,
	}
	m.dispatcher = dispatch.New(channel, opts.Retry, m.logger, opts.Metrics)

	m.spawner = opts.Spawner
	if m.spawner == nil {
		m.spawner = NewCommandSpawner(m.dispatcher)
	}

	m.lifecycle = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateRunning},
			{Name: eventStop, Src: []string{StateIdle, StateRunning}, Dst: StateStopping},
			{Name: eventFinish, Src: []string{StateStopping}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logEvent("state_changed",
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)

	return m
}

// State returns the lifecycle state.
func (m *Manager) State() string {
	return m.lifecycle.Current()
}

// Running reports whether the control loop is accepting work.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Registry exposes the pool registry.
func (m *Manager) Registry() *pool.Registry {
	return m.registry
}

// Routes exposes the per-execution routing table.
func (m *Manager) Routes() *routing.Table {
	return m.routes
}

// admit runs register unless shutdown has begun, and reports whether it ran.
// Once the stop transition has happened no process joins a pool again.
func (m *Manager) admit(register func()) bool {
	m.admitMu.RLock()
	defer m.admitMu.RUnlock()

	switch m.State() {
	case StateStopping, StateStopped:
		return false
	}
	register()
	return true
}

// Ping checks the message channel.
func (m *Manager) Ping(ctx context.Context) error {
	return m.channel.Ping(ctx)
}

// Run executes the control loop until Shutdown or until ctx ends.
// Errors handling a single message are logged and never stop the loop.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.lifecycle.Event(ctx, eventStart); err != nil {
		state := m.State()
		if state == StateStopping || state == StateStopped {
			err = ErrShutDown
		}
		return fmt.Errorf("cannot start from state %s: %w", state, err)
	}
	m.running.Store(true)

	m.logEvent("loop_started",
		zap.String("topic", queue.ManagerTopic),
		zap.Duration("poll_timeout", m.opts.PollTimeout),
		zap.Int("poll_max_messages", m.opts.PollMaxMessages))

	for m.running.Load() {
		if ctx.Err() != nil {
			m.running.Store(false)
			m.logEvent("loop_cancelled")
			return nil
		}

		deliveries, err := m.channel.GetMessages(ctx, queue.ManagerTopic, m.opts.PollTimeout, m.opts.PollMaxMessages)
		if err != nil {
			if queue.IsClosed(err) || !m.running.Load() {
				break
			}
			if ctx.Err() != nil {
				continue
			}
			m.logger.Warn("Polling manager topic failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(m.opts.PollErrorWait):
			}
			continue
		}

		for _, d := range deliveries {
			if err := m.handleDelivery(ctx, d); err != nil {
				m.logger.Error("Failed to handle control message",
					zap.String("topic", d.Topic),
					zap.Error(err))
			}
		}
	}

	m.logEvent("loop_stopped")
	return nil
}

// logEvent writes one structured lifecycle event.
func (m *Manager) logEvent(event string, fields ...zap.Field) {
	m.logger.Info(event, append([]zap.Field{zap.String("event_type", event)}, fields...)...)
}

// observePool publishes the pool size of topic.
func (m *Manager) observePool(topic string) {
	available, busy := m.registry.Counts(topic)
	m.metrics.SetPoolSize(topic, available, busy)
}
