package grasplet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("grasplet")

var (
	// ErrAuthenticationFailed means the API rejected the stored credentials.
	// Polling cannot recover until the user enters new ones.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUpdateFailed marks a refresh failure that the next tick may fix.
	ErrUpdateFailed = errors.New("update failed")

	// ErrTokenExpired is wrapped in ErrUpdateFailed when the data endpoint
	// rejected the access token.
	ErrTokenExpired = errors.New("access token expired")
)

// tokenState is either noToken or bearer.
type tokenState interface {
	isTokenState()
}

type noToken struct{}

type bearer struct {
	value string
}

func (noToken) isTokenState() {}
func (bearer) isTokenState()  {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClientConfig sets the configuration used when the coordinator opens
// its HTTP session.
func WithClientConfig(cfg ClientConfig) Option {
	return func(c *Coordinator) {
		c.newSession = func() (API, error) {
			client, err := NewClient(cfg)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	}
}

// WithSessionFactory replaces how the coordinator opens its session.
func WithSessionFactory(factory func() (API, error)) Option {
	return func(c *Coordinator) {
		c.newSession = factory
	}
}

// Coordinator fetches the SIM snapshot for one account. It opens a single
// session on first use, logs in when it holds no token and drops the token
// when the data endpoint answers 401.
//
// Callers are expected to serialize Refresh calls; the internal lock only
// protects against Shutdown racing a refresh.
type Coordinator struct {
	creds      Credentials
	newSession func() (API, error)

	mu      sync.Mutex
	session API
	token   tokenState
}

// NewCoordinator creates a coordinator for the given credentials. No network
// activity happens until the first Refresh.
func NewCoordinator(creds Credentials, opts ...Option) *Coordinator {
	c := &Coordinator{
		creds: creds,
		token: noToken{},
	}
	WithClientConfig(DefaultConfig())(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials returns the credentials the coordinator was built with.
func (c *Coordinator) Credentials() Credentials {
	return c.creds
}

// HasToken reports whether an access token is currently held.
func (c *Coordinator) HasToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.token.(bearer)
	return ok
}

// Refresh returns a fresh SIM snapshot. The returned error wraps either
// ErrAuthenticationFailed or ErrUpdateFailed.
func (c *Coordinator) Refresh(ctx context.Context) ([]SIM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.open(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	tok, ok := c.token.(bearer)
	if !ok {
		value, err := c.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		tok = bearer{value: value}
		c.token = tok
	}

	return c.fetch(ctx, tok)
}

// Shutdown closes the session. It is a no-op when no session is open.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.token = noToken{}
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

func (c *Coordinator) open() error {
	if c.session != nil {
		return nil
	}
	session, err := c.newSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	c.session = session
	return nil
}

func (c *Coordinator) authenticate(ctx context.Context) (string, error) {
	token, err := c.session.Login(ctx, c.creds.Username, c.creds.Password)
	switch {
	case err == nil:
		log.Debugf("Authentication successful for %s", c.creds.Username)
		return token, nil
	case errors.Is(err, ErrUnauthorized):
		log.Errorf("Authentication rejected for %s", c.creds.Username)
		return "", fmt.Errorf("%w: invalid credentials", ErrAuthenticationFailed)
	default:
		log.Errorf("Authentication failed: %v", err)
		return "", fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
}

func (c *Coordinator) fetch(ctx context.Context, tok bearer) ([]SIM, error) {
	sims, err := c.session.FetchSIMs(ctx, tok.value)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized):
		c.token = noToken{}
		log.Infof("Access token expired, will re-authenticate on next update")
		return nil, fmt.Errorf("%w: %w", ErrUpdateFailed, ErrTokenExpired)
	default:
		log.Errorf("Failed to fetch SIM data: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	for _, sim := range sims {
		if n := len(sim.PlanUsageDetails); n > 1 {
			log.Warningf("SIM %s reports %d plan usage entries, sensors use the first", sim.ID, n)
		}
	}
	return sims, nil
}
