// Package poller schedules coordinator refreshes and keeps the shared
// snapshot each configured account's sensors read from.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/grasplet-dashboard/exporter/config"
	"github.com/grasplet-dashboard/exporter/grasplet"
)

var log = logging.MustGetLogger("poller")

// Refresher is what a Runner polls.
type Refresher interface {
	Refresh(ctx context.Context) ([]grasplet.SIM, error)
	Shutdown() error
}

// Factory builds the refresher for a set of credentials.
type Factory func(creds grasplet.Credentials) Refresher

// CoordinatorFactory returns a Factory building grasplet coordinators.
func CoordinatorFactory(cfg grasplet.ClientConfig) Factory {
	return func(creds grasplet.Credentials) Refresher {
		return grasplet.NewCoordinator(creds, grasplet.WithClientConfig(cfg))
	}
}

// Status describes the outcome of the latest refresh.
type Status struct {
	EntryID     string
	Title       string
	Fetched     bool
	Available   bool
	AuthFailed  bool
	LastError   string
	LastAttempt time.Time
	LastSuccess time.Time
	SIMCount    int
}

// Runner polls one entry on its configured interval. Ticks never overlap.
type Runner struct {
	id      string
	factory Factory

	// tickMu serializes refreshes and reloads.
	tickMu sync.Mutex
	source Refresher

	wake chan struct{}

	mu          sync.RWMutex
	title       string
	interval    time.Duration
	sims        []grasplet.SIM
	fetched     bool
	available   bool
	authFailed  bool
	lastErr     error
	lastAttempt time.Time
	lastSuccess time.Time
}

// NewRunner creates a runner for entry.
func NewRunner(entry config.Entry, factory Factory) *Runner {
	return &Runner{
		id:       entry.ID,
		factory:  factory,
		source:   factory(entry.Credentials),
		wake:     make(chan struct{}, 1),
		title:    entry.Title,
		interval: pollInterval(entry),
	}
}

// Snapshot returns the last successfully fetched SIMs. A failed refresh keeps
// the previous snapshot.
func (r *Runner) Snapshot() ([]grasplet.SIM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sims, r.fetched
}

// Available reports whether the latest refresh succeeded.
func (r *Runner) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.available
}

// AuthFailed reports whether polling stopped because credentials were rejected.
func (r *Runner) AuthFailed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authFailed
}

// Status returns a summary of the runner state.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Status{
		EntryID:     r.id,
		Title:       r.title,
		Fetched:     r.fetched,
		Available:   r.available,
		AuthFailed:  r.authFailed,
		LastAttempt: r.lastAttempt,
		LastSuccess: r.lastSuccess,
		SIMCount:    len(r.sims),
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}

// ID returns the entry id the runner polls for.
func (r *Runner) ID() string {
	return r.id
}

// Refresh runs one tick. It is skipped while the entry waits for new
// credentials.
func (r *Runner) Refresh(ctx context.Context) error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	if r.AuthFailed() {
		return grasplet.ErrAuthenticationFailed
	}

	sims, err := r.refresh(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastAttempt = time.Now()
	r.lastErr = err
	if err != nil {
		r.available = false
		if errors.Is(err, grasplet.ErrAuthenticationFailed) {
			r.authFailed = true
			log.Errorf("[%s] Credentials rejected, polling suspended until reconfigured", r.title)
		} else {
			log.Warningf("[%s] Update failed, keeping previous data: %v", r.title, err)
		}
		return err
	}

	r.sims = sims
	r.fetched = true
	r.available = true
	r.lastSuccess = r.lastAttempt
	log.Infof("[%s] Fetched %d SIMs", r.title, len(sims))
	return nil
}

// refresh calls the source, turning a panic into an update failure.
func (r *Runner) refresh(ctx context.Context) (sims []grasplet.SIM, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("[%s] Unexpected error fetching data: %v\n%s", r.title, p, debug.Stack())
			sims, err = nil, fmt.Errorf("%w: unexpected error: %v", grasplet.ErrUpdateFailed, p)
		}
	}()
	return r.source.Refresh(ctx)
}

// Reload replaces the credentials. The old coordinator is shut down, which
// drops its token, and the next tick starts immediately.
func (r *Runner) Reload(entry config.Entry) {
	r.tickMu.Lock()
	if err := r.source.Shutdown(); err != nil {
		log.Warningf("[%s] Failed to shut down coordinator: %v", r.title, err)
	}
	r.source = r.factory(entry.Credentials)

	r.mu.Lock()
	r.title = entry.Title
	r.interval = pollInterval(entry)
	r.authFailed = false
	r.mu.Unlock()
	r.tickMu.Unlock()

	log.Infof("[%s] Reloaded configuration", entry.Title)
	r.trigger()
}

// pollInterval clamps the configured hours to the allowed range.
func pollInterval(entry config.Entry) time.Duration {
	hours := entry.Credentials.PollIntervalHours
	switch {
	case hours < grasplet.MinPollIntervalHours:
		log.Warningf("[%s] Poll interval %dh out of range, using %dh", entry.Title, hours, grasplet.MinPollIntervalHours)
		hours = grasplet.MinPollIntervalHours
	case hours > grasplet.MaxPollIntervalHours:
		log.Warningf("[%s] Poll interval %dh out of range, using %dh", entry.Title, hours, grasplet.MaxPollIntervalHours)
		hours = grasplet.MaxPollIntervalHours
	}
	return time.Duration(hours) * time.Hour
}

func (r *Runner) trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run refreshes immediately and then on every interval until ctx is done.
// The coordinator is shut down on return.
func (r *Runner) Run(ctx context.Context) {
	defer r.shutdown()

	r.Refresh(ctx)

	for {
		r.mu.RLock()
		interval := r.interval
		r.mu.RUnlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
		r.Refresh(ctx)
	}
}

func (r *Runner) shutdown() {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	if err := r.source.Shutdown(); err != nil {
		log.Warningf("[%s] Failed to shut down coordinator: %v", r.title, err)
	}
}
