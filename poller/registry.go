package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/grasplet-dashboard/exporter/config"
)

// ErrStopped is returned when an entry is set up after polling stopped.
var ErrStopped = errors.New("registry stopped")

// Registry holds one runner per configured entry. It is passed to every
// component that needs to reach a runner.
type Registry struct {
	factory Factory

	mu      sync.RWMutex
	ctx     context.Context
	runners map[string]*Runner
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		runners: make(map[string]*Runner),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start begins polling every registered entry. Entries set up later start
// polling right away. Polling stops when ctx is done.
func (g *Registry) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx = ctx
	for id, r := range g.runners {
		g.runLocked(id, r)
	}
}

// Setup registers a new entry.
func (g *Registry) Setup(entry config.Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ctx != nil && g.ctx.Err() != nil {
		return fmt.Errorf("%w: cannot set up entry %s", ErrStopped, entry.ID)
	}
	if _, ok := g.runners[entry.ID]; ok {
		return fmt.Errorf("entry %s already set up", entry.ID)
	}
	r := NewRunner(entry, g.factory)
	g.runners[entry.ID] = r
	if g.ctx != nil {
		g.runLocked(entry.ID, r)
	}
	log.Infof("[%s] Set up entry %s", entry.Title, entry.ID)
	return nil
}

// Reload applies new credentials to a registered entry.
func (g *Registry) Reload(entry config.Entry) error {
	r, ok := g.Get(entry.ID)
	if !ok {
		return fmt.Errorf("%w: %s", config.ErrEntryNotFound, entry.ID)
	}
	r.Reload(entry)
	return nil
}

// Remove stops polling an entry and forgets it.
func (g *Registry) Remove(id string) error {
	g.mu.Lock()
	r, ok := g.runners[id]
	cancel := g.cancels[id]
	delete(g.runners, id)
	delete(g.cancels, id)
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", config.ErrEntryNotFound, id)
	}
	if cancel != nil {
		cancel()
	} else {
		r.shutdown()
	}
	return nil
}

// Get returns the runner of an entry.
func (g *Registry) Get(id string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[id]
	return r, ok
}

// Runners returns every runner ordered by entry id.
func (g *Registry) Runners() []*Runner {
	g.mu.RLock()
	defer g.mu.RUnlock()

	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	sort.Slice(runners, func(i, j int) bool {
		return runners[i].ID() < runners[j].ID()
	})
	return runners
}

// Healthy reports whether every entry's latest refresh succeeded.
func (g *Registry) Healthy() bool {
	for _, r := range g.Runners() {
		if !r.Available() {
			return false
		}
	}
	return true
}

// Wait blocks until every runner has stopped and shut down its coordinator.
func (g *Registry) Wait() {
	g.wg.Wait()
}

func (g *Registry) runLocked(id string, r *Runner) {
	if _, running := g.cancels[id]; running {
		return
	}
	ctx, cancel := context.WithCancel(g.ctx)
	g.cancels[id] = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		r.Run(ctx)
	}()
}
