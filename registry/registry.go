// Package registry publishes which commands a server answers.
//
// The broker routes commands by queue name, so a client never needs the registry to
// make a call. The registry is a catalog: servers register each command they handle,
// operators and tooling discover or watch who serves what.
package registry

import (
	"context"
	"sort"
	"sync"
)

// Instance is one server answering a command.
type Instance struct {
	ID      string `json:"id"`    // Server instance id, unique per process
	Queue   string `json:"queue"` // Command queue the server consumes
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register announces instance as serving command. The entry expires ttl seconds
	// after the registrant stops renewing it.
	Register(ctx context.Context, command string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, command, id string) error
	Discover(ctx context.Context, command string) ([]Instance, error)
	// Watch emits the instance list of command on every change until ctx is done.
	Watch(ctx context.Context, command string) <-chan []Instance
}

// Memory is an in-process Registry. TTLs are ignored.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]map[string]Instance // command → id → instance
	watchers map[string][]chan []Instance
}

// NewMemory returns an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (m *Memory) Register(ctx context.Context, command string, instance Instance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[command] == nil {
		m.entries[command] = make(map[string]Instance)
	}
	m.entries[command][instance.ID] = instance
	m.notifyLocked(command)
	return nil
}

func (m *Memory) Deregister(ctx context.Context, command, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[command], id)
	m.notifyLocked(command)
	return nil
}

func (m *Memory) Discover(ctx context.Context, command string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(command), nil
}

func (m *Memory) Watch(ctx context.Context, command string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[command] = append(m.watchers[command], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[command]
		for i, w := range ws {
			if w == ch {
				m.watchers[command] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *Memory) listLocked(command string) []Instance {
	instances := make([]Instance, 0, len(m.entries[command]))
	for _, inst := range m.entries[command] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances
}

// notifyLocked sends the latest list to every watcher, replacing a list the watcher has
// not read yet.
func (m *Memory) notifyLocked(command string) {
	list := m.listLocked(command)
	for _, w := range m.watchers[command] {
		select {
		case <-w:
		default:
		}
		w <- list
	}
}
