package manager

import (
	"context"

	"github.com/dyluth/execmgr/internal/dispatch"
	"github.com/dyluth/execmgr/internal/pool"
	"github.com/dyluth/execmgr/pkg/queue"
)

// Spawner creates worker processes for a topic.
type Spawner interface {
	// Spawn asks parent to fork one worker for topic. It returns once the
	// request is delivered; the worker reports in on its own.
	Spawn(ctx context.Context, topic string, parent pool.Handle) error
}

// CommandSpawner sends a fork command to the spawner process over the
// message channel.
type CommandSpawner struct {
	dispatcher *dispatch.Dispatcher
}

// NewCommandSpawner creates a spawner sending through d.
func NewCommandSpawner(d *dispatch.Dispatcher) *CommandSpawner {
	return &CommandSpawner{dispatcher: d}
}

// Spawn implements Spawner.
func (s *CommandSpawner) Spawn(ctx context.Context, topic string, parent pool.Handle) error {
	msg, err := queue.NewCommandMessage(queue.ActionFork)
	if err != nil {
		return err
	}
	return s.dispatcher.SendMessage(ctx, queue.WorkerAddress(topic, int(parent)), msg)
}
