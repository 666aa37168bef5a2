package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/execmgr/pkg/queue"
	"go.uber.org/zap"
)

// ErrPeerUnreachable is returned when the retry policy gives up on a peer.
var ErrPeerUnreachable = errors.New("peer unreachable")

// errNotAcked marks an attempt the channel did not acknowledge.
var errNotAcked = errors.New("message not acknowledged")

// Publisher is the publishing half of the message channel.
type Publisher interface {
	AddMessage(ctx context.Context, address string, msg *queue.ControlMessage, requireAck bool) (bool, error)
}

// Observer receives the outcome of every publish attempt.
type Observer interface {
	ObserveDispatchAttempt(outcome string)
}

// Attempt outcomes passed to Observer.
const (
	OutcomeAcked   = "acked"
	OutcomeUnacked = "unacked"
	OutcomeError   = "error"
)

// Policy bounds the retries of one send.
//
// InitialInterval == 0 retries immediately. MaxAttempts and MaxElapsed cap the
// retries when positive; with both zero a send retries until acknowledged or
// until its context ends.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
	MaxElapsed      time.Duration
}

// Unbounded retries immediately and forever.
var Unbounded = Policy{}

// DefaultPolicy backs off exponentially and gives up after 30 seconds.
var DefaultPolicy = Policy{
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     time.Second,
	MaxElapsed:      30 * time.Second,
}

// newBackOff builds a fresh backoff schedule for one send.
func (p Policy) newBackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.InitialInterval <= 0 {
		b = &backoff.ZeroBackOff{}
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.InitialInterval
		if p.MaxInterval > 0 {
			eb.MaxInterval = p.MaxInterval
		}
		eb.MaxElapsedTime = p.MaxElapsed
		b = eb
	}
	if p.InitialInterval <= 0 && p.MaxElapsed > 0 {
		b = &elapsedCap{BackOff: b, max: p.MaxElapsed}
	}
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// elapsedCap stops an otherwise unbounded schedule after max.
type elapsedCap struct {
	backoff.BackOff
	max   time.Duration
	start time.Time
}

func (e *elapsedCap) Reset() {
	e.start = time.Now()
	e.BackOff.Reset()
}

func (e *elapsedCap) NextBackOff() time.Duration {
	if time.Since(e.start) > e.max {
		return backoff.Stop
	}
	return e.BackOff.NextBackOff()
}

// Dispatcher sends commands to worker instances and retries until they are
// acknowledged.
type Dispatcher struct {
	publisher Publisher
	policy    Policy
	logger    *zap.Logger
	observer  Observer
}

// New creates a dispatcher. A nil logger discards output; observer may be nil.
func New(publisher Publisher, policy Policy, logger *zap.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		publisher: publisher,
		policy:    policy,
		logger:    logger,
		observer:  observer,
	}
}

// Send delivers key/value to the worker handle of topic.
func (d *Dispatcher) Send(ctx context.Context, topic string, handle int, key, value string) error {
	return d.SendMessage(ctx, queue.WorkerAddress(topic, handle), queue.NewControlMessage(key, value))
}

// SendMessage publishes msg to address until it is acknowledged.
// Every retry republishes the same message, so its ID stays stable.
func (d *Dispatcher) SendMessage(ctx context.Context, address string, msg *queue.ControlMessage) error {
	attempts := 0

	op := func() error {
		attempts++
		acked, err := d.publisher.AddMessage(ctx, address, msg, true)
		switch {
		case err != nil:
			d.observe(OutcomeError)
			if queue.IsClosed(err) {
				return backoff.Permanent(err)
			}
			return err
		case !acked:
			d.observe(OutcomeUnacked)
			return errNotAcked
		default:
			d.observe(OutcomeAcked)
			return nil
		}
	}

	notify := func(err error, next time.Duration) {
		d.logger.Debug("Retrying unacknowledged message",
			zap.String("address", address),
			zap.String("key", msg.Key),
			zap.String("message_id", msg.ID),
			zap.Int("attempt", attempts),
			zap.Duration("next_backoff", next),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, d.policy.newBackOff(ctx), notify)
	if err == nil {
		if attempts > 1 {
			d.logger.Info("Message acknowledged after retries",
				zap.String("address", address),
				zap.String("key", msg.Key),
				zap.Int("attempts", attempts))
		}
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("send to %s aborted after %d attempts: %w", address, attempts, ctxErr)
	}
	if queue.IsClosed(err) {
		return fmt.Errorf("send to %s: %w", address, err)
	}
	return fmt.Errorf("%w: %s not acknowledged after %d attempts: %v", ErrPeerUnreachable, address, attempts, err)
}

func (d *Dispatcher) observe(outcome string) {
	if d.observer != nil {
		d.observer.ObserveDispatchAttempt(outcome)
	}
}
