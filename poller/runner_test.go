package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grasplet-dashboard/exporter/config"
	"github.com/grasplet-dashboard/exporter/grasplet"
)

// scriptedRefresher returns queued results, then the last one forever.
type scriptedRefresher struct {
	mu        sync.Mutex
	creds     grasplet.Credentials
	results   []func() ([]grasplet.SIM, error)
	calls     int
	shutdowns int
}

func (s *scriptedRefresher) Refresh(ctx context.Context) ([]grasplet.SIM, error) {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	s.mu.Unlock()
	return s.results[i]()
}

func (s *scriptedRefresher) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

func succeed(ids ...string) func() ([]grasplet.SIM, error) {
	return func() ([]grasplet.SIM, error) {
		sims := make([]grasplet.SIM, len(ids))
		for i, id := range ids {
			sims[i] = grasplet.SIM{ID: grasplet.SIMID(id)}
		}
		return sims, nil
	}
}

func fail(err error) func() ([]grasplet.SIM, error) {
	return func() ([]grasplet.SIM, error) { return nil, err }
}

func testEntry() config.Entry {
	return config.Entry{
		ID:          "entry-1",
		Title:       "Grasplet (alice)",
		Credentials: grasplet.Credentials{Username: "alice", Password: "pw", PollIntervalHours: 1},
	}
}

func TestRunnerKeepsSnapshotOnFailure(t *testing.T) {
	src := &scriptedRefresher{results: []func() ([]grasplet.SIM, error){
		succeed("1", "2"),
		fail(fmt.Errorf("%w: boom", grasplet.ErrUpdateFailed)),
		succeed("3"),
	}}
	r := NewRunner(testEntry(), func(grasplet.Credentials) Refresher { return src })

	_, fetched := r.Snapshot()
	assert.False(t, fetched)

	require.NoError(t, r.Refresh(context.Background()))
	sims, fetched := r.Snapshot()
	assert.True(t, fetched)
	assert.Len(t, sims, 2)
	assert.True(t, r.Available())

	assert.ErrorIs(t, r.Refresh(context.Background()), grasplet.ErrUpdateFailed)
	sims, _ = r.Snapshot()
	assert.Len(t, sims, 2, "stale snapshot stays visible")
	assert.False(t, r.Available())
	assert.Contains(t, r.Status().LastError, "boom")

	require.NoError(t, r.Refresh(context.Background()))
	sims, _ = r.Snapshot()
	assert.Equal(t, grasplet.SIMID("3"), sims[0].ID)
	assert.True(t, r.Available())
	assert.Empty(t, r.Status().LastError)
}

func TestRunnerSuspendsAfterAuthFailureUntilReload(t *testing.T) {
	var built []*scriptedRefresher
	factory := func(creds grasplet.Credentials) Refresher {
		src := &scriptedRefresher{creds: creds}
		if len(built) == 0 {
			src.results = []func() ([]grasplet.SIM, error){fail(grasplet.ErrAuthenticationFailed)}
		} else {
			src.results = []func() ([]grasplet.SIM, error){succeed("1")}
		}
		built = append(built, src)
		return src
	}
	r := NewRunner(testEntry(), factory)

	assert.ErrorIs(t, r.Refresh(context.Background()), grasplet.ErrAuthenticationFailed)
	assert.True(t, r.AuthFailed())

	assert.ErrorIs(t, r.Refresh(context.Background()), grasplet.ErrAuthenticationFailed)
	assert.Equal(t, 1, built[0].calls, "no network calls while waiting for new credentials")

	entry := testEntry()
	entry.Credentials.Password = "new"
	r.Reload(entry)

	require.Len(t, built, 2)
	assert.Equal(t, 1, built[0].shutdowns)
	assert.Equal(t, "new", built[1].creds.Password)
	assert.False(t, r.AuthFailed())

	require.NoError(t, r.Refresh(context.Background()))
	assert.True(t, r.Available())
}

func TestRunnerRecoversPanics(t *testing.T) {
	src := &scriptedRefresher{results: []func() ([]grasplet.SIM, error){
		func() ([]grasplet.SIM, error) { panic("nil map") },
	}}
	r := NewRunner(testEntry(), func(grasplet.Credentials) Refresher { return src })

	err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, grasplet.ErrUpdateFailed)
	assert.False(t, r.Available())
}

func TestRunnerTicksDoNotOverlap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	src := &scriptedRefresher{results: []func() ([]grasplet.SIM, error){
		func() ([]grasplet.SIM, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		},
	}}
	r := NewRunner(testEntry(), func(grasplet.Credentials) Refresher { return src })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Refresh(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 8, src.calls)
}

func TestRunnerRunStopsAndShutsDown(t *testing.T) {
	src := &scriptedRefresher{results: []func() ([]grasplet.SIM, error){succeed("1")}}
	r := NewRunner(testEntry(), func(grasplet.Credentials) Refresher { return src })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, r.Available, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, src.shutdowns)
}

func TestReloadTriggersFreshLogin(t *testing.T) {
	var mu sync.Mutex
	var logins []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body struct {
				Password string `json:"password"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			logins = append(logins, body.Password)
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"result": true, "data": {"access_token": "t-` + body.Password + `"}}`))
		case "/api/sim/all":
			w.Write([]byte(`{"result": true, "data": [{"id": 1}]}`))
		}
	}))
	defer srv.Close()

	cfg := grasplet.DefaultConfig()
	cfg.URL = srv.URL
	reg := NewRegistry(CoordinatorFactory(cfg))
	entry := testEntry()
	require.NoError(t, reg.Setup(entry))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		reg.Wait()
	}()
	reg.Start(ctx)

	runner, found := reg.Get(entry.ID)
	require.True(t, found)
	require.Eventually(t, runner.Available, time.Second, 5*time.Millisecond)

	entry.Credentials.Password = "rotated"
	require.NoError(t, reg.Reload(entry))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(logins) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"pw", "rotated"}, logins)
	mu.Unlock()
}

func TestRegistry(t *testing.T) {
	src := &scriptedRefresher{results: []func() ([]grasplet.SIM, error){fail(errors.New("down"))}}
	reg := NewRegistry(func(grasplet.Credentials) Refresher { return src })

	entry := testEntry()
	require.NoError(t, reg.Setup(entry))
	assert.Error(t, reg.Setup(entry))
	assert.Len(t, reg.Runners(), 1)

	runner, _ := reg.Get(entry.ID)
	runner.Refresh(context.Background())
	assert.False(t, reg.Healthy())

	assert.ErrorIs(t, reg.Reload(config.Entry{ID: "missing"}), config.ErrEntryNotFound)

	require.NoError(t, reg.Remove(entry.ID))
	assert.Equal(t, 1, src.shutdowns)
	assert.ErrorIs(t, reg.Remove(entry.ID), config.ErrEntryNotFound)
	assert.True(t, reg.Healthy())
}

func TestPollIntervalClampsHours(t *testing.T) {
	entry := testEntry()
	for hours, want := range map[int]time.Duration{
		-1:   time.Hour,
		0:    time.Hour,
		6:    6 * time.Hour,
		1000: 168 * time.Hour,
	} {
		entry.Credentials.PollIntervalHours = hours
		assert.Equal(t, want, pollInterval(entry), "hours %d", hours)
	}
}

func TestRunnerRunWithNegativeIntervalDoesNotSpin(t *testing.T) {
	entry := testEntry()
	entry.Credentials.PollIntervalHours = -1
	src := &scriptedRefresher{results: []func() ([]grasplet.SIM, error){succeed()}}
	r := NewRunner(entry, func(grasplet.Credentials) Refresher { return src })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.calls)
}

func TestRegistryRefusesSetupAfterStop(t *testing.T) {
	src := &scriptedRefresher{results: []func() ([]grasplet.SIM, error){succeed("1")}}
	reg := NewRegistry(func(grasplet.Credentials) Refresher { return src })

	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx)
	cancel()
	reg.Wait()

	err := reg.Setup(testEntry())
	assert.ErrorIs(t, err, ErrStopped)
	_, ok := reg.Get("entry-1")
	assert.False(t, ok)
	reg.Wait()
}
