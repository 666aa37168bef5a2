package pool

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

var (
	// ErrUnknownTopic is returned for a topic no worker or spawner has registered for.
	ErrUnknownTopic = errors.New("unknown function topic")

	// ErrNoAvailableWorker is returned by Allocate when the topic has no idle worker.
	ErrNoAvailableWorker = errors.New("no available worker")

	// ErrNotBusy is returned by Free for a handle that is not currently allocated.
	ErrNotBusy = errors.New("worker is not busy")

	// ErrNoSpawner is returned when a topic has no process able to fork workers.
	ErrNoSpawner = errors.New("no spawner registered")
)

// Handle identifies one worker process (its pid).
type Handle int

// Entry is a point-in-time copy of one topic's pool.
type Entry struct {
	Topic      string
	Available  []Handle
	Busy       []Handle
	Spawner    Handle
	HasSpawner bool
}

// entry is the live pool state of one topic, guarded by its own mutex.
type entry struct {
	mu         sync.Mutex
	available  []Handle
	busy       []Handle
	spawner    Handle
	hasSpawner bool
	changed    chan struct{} // closed and replaced on every successful Register
}

// Registry tracks, per function topic, which worker processes are idle and
// which are allocated, plus the spawner owning the topic.
// Mutations of one topic are serialized; different topics proceed independently.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// lookup returns the entry for topic, or nil.
func (r *Registry) lookup(topic string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[topic]
}

// ensure returns the entry for topic, creating it on first use.
func (r *Registry) ensure(topic string) *entry {
	if e := r.lookup(topic); e != nil {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[topic]
	if !ok {
		e = &entry{changed: make(chan struct{})}
		r.entries[topic] = e
	}
	return e
}

// Register adds h to the available workers of topic.
// Returns false without changing anything if h is already tracked for topic,
// either as available or as busy.
func (r *Registry) Register(topic string, h Handle) bool {
	e := r.ensure(topic)

	e.mu.Lock()
	defer e.mu.Unlock()

	if slices.Contains(e.available, h) || slices.Contains(e.busy, h) {
		return false
	}

	e.available = append(e.available, h)
	close(e.changed)
	e.changed = make(chan struct{})
	return true
}

// Changed returns a channel that is closed by the next successful Register
// for topic. Callers must obtain it before triggering the registration they
// want to wait for. Unknown topics are not created.
func (r *Registry) Changed(topic string) (<-chan struct{}, error) {
	e := r.lookup(topic)
	if e == nil {
		return nil, fmt.Errorf("watch %q: %w", topic, ErrUnknownTopic)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed, nil
}

// Allocate moves the oldest available worker of topic to busy and returns it.
func (r *Registry) Allocate(topic string) (Handle, error) {
	e := r.lookup(topic)
	if e == nil {
		return 0, fmt.Errorf("allocate %q: %w", topic, ErrUnknownTopic)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.available) == 0 {
		return 0, fmt.Errorf("allocate %q: %w", topic, ErrNoAvailableWorker)
	}

	h := e.available[0]
	e.available = slices.Delete(e.available, 0, 1)
	e.busy = append(e.busy, h)
	return h, nil
}

// Free moves h from busy back to the tail of the available workers of topic.
// On error neither set is modified.
func (r *Registry) Free(topic string, h Handle) error {
	e := r.lookup(topic)
	if e == nil {
		return fmt.Errorf("free %q/%d: %w", topic, h, ErrUnknownTopic)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	i := slices.Index(e.busy, h)
	if i < 0 {
		return fmt.Errorf("free %q/%d: %w", topic, h, ErrNotBusy)
	}

	e.busy = slices.Delete(e.busy, i, i+1)
	e.available = append(e.available, h)
	return nil
}

// SetSpawner records h as the process that forks new workers for topic.
func (r *Registry) SetSpawner(topic string, h Handle) {
	e := r.ensure(topic)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.spawner = h
	e.hasSpawner = true
}

// Spawner returns the spawner handle of topic.
func (r *Registry) Spawner(topic string) (Handle, error) {
	e := r.lookup(topic)
	if e == nil {
		return 0, fmt.Errorf("spawner of %q: %w", topic, ErrUnknownTopic)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasSpawner {
		return 0, fmt.Errorf("spawner of %q: %w", topic, ErrNoSpawner)
	}
	return e.spawner, nil
}

// Spawners returns every registered spawner keyed by topic.
func (r *Registry) Spawners() map[string]Handle {
	spawners := make(map[string]Handle)
	for _, topic := range r.Topics() {
		if h, err := r.Spawner(topic); err == nil {
			spawners[topic] = h
		}
	}
	return spawners
}

// Topics returns every known topic in sorted order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.entries))
	for topic := range r.entries {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Snapshot returns a copy of topic's pool.
func (r *Registry) Snapshot(topic string) (Entry, bool) {
	e := r.lookup(topic)
	if e == nil {
		return Entry{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return Entry{
		Topic:      topic,
		Available:  slices.Clone(e.available),
		Busy:       slices.Clone(e.busy),
		Spawner:    e.spawner,
		HasSpawner: e.hasSpawner,
	}, true
}

// Counts returns the number of available and busy workers of topic.
func (r *Registry) Counts(topic string) (available, busy int) {
	e := r.lookup(topic)
	if e == nil {
		return 0, 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.available), len(e.busy)
}

// DrainAvailable removes and returns every available worker of topic.
// The entry itself is kept.
func (r *Registry) DrainAvailable(topic string) []Handle {
	e := r.lookup(topic)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	drained := e.available
	e.available = nil
	return drained
}

// DrainBusy removes and returns every busy worker of topic.
func (r *Registry) DrainBusy(topic string) []Handle {
	e := r.lookup(topic)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	drained := e.busy
	e.busy = nil
	return drained
}
