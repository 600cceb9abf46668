// Package setup validates account credentials before they are stored and
// handles reconfiguration of stored accounts.
package setup

import (
	"context"
	"errors"
	"fmt"

	"github.com/op/go-logging"

	"github.com/grasplet-dashboard/exporter/config"
	"github.com/grasplet-dashboard/exporter/grasplet"
)

var log = logging.MustGetLogger("setup")

// Form error codes, keyed by field name or "base".
const (
	ErrorCannotConnect = "cannot_connect"
	ErrorInvalidAuth   = "invalid_auth"
	ErrorUnknown       = "unknown"
	ErrorInvalidValue  = "invalid_value"

	// ReasonReconfigureSuccessful is reported after credentials were replaced.
	ReasonReconfigureSuccessful = "reconfigure_successful"
)

var (
	// ErrCannotConnect means the API could not be reached.
	ErrCannotConnect = errors.New("cannot connect")

	// ErrInvalidAuth means the API rejected the credentials.
	ErrInvalidAuth = errors.New("invalid auth")
)

// FormErrors maps a field name, or "base", to an error code.
type FormErrors map[string]string

// AbortError ends a flow without creating or changing anything.
type AbortError struct {
	Reason string
	Err    error
}

func (e *AbortError) Error() string {
	return "aborted: " + e.Reason
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// Host sets up and reloads pollers for stored entries.
type Host interface {
	Setup(entry config.Entry) error
	Reload(entry config.Entry) error
}

// Authenticator performs a login. *grasplet.Client satisfies it.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
	Close() error
}

// Wizard runs the create and reconfigure flows.
type Wizard struct {
	store   *config.Store
	host    Host
	connect func() (Authenticator, error)
}

// NewWizard creates a wizard that validates against the API described by cfg.
func NewWizard(store *config.Store, host Host, cfg grasplet.ClientConfig) *Wizard {
	return NewWizardWithConnector(store, host, func() (Authenticator, error) {
		client, err := grasplet.NewClient(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	})
}

// NewWizardWithConnector creates a wizard with a custom login connector.
func NewWizardWithConnector(store *config.Store, host Host, connect func() (Authenticator, error)) *Wizard {
	return &Wizard{
		store:   store,
		host:    host,
		connect: connect,
	}
}

// Validate logs in once with the credentials and returns the entry title.
// The error is ErrInvalidAuth or ErrCannotConnect.
func (w *Wizard) Validate(ctx context.Context, creds grasplet.Credentials) (string, error) {
	client, err := w.connect()
	if err != nil {
		log.Errorf("Cannot create API client: %v", err)
		return "", fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}
	defer client.Close()

	_, err = client.Login(ctx, creds.Username, creds.Password)
	switch {
	case err == nil:
		return fmt.Sprintf("Grasplet (%s)", creds.Username), nil
	case errors.Is(err, grasplet.ErrUnauthorized), errors.Is(err, grasplet.ErrUnexpectedResponse):
		log.Errorf("Authentication failed for %s: %v", creds.Username, err)
		return "", fmt.Errorf("%w: %w", ErrInvalidAuth, err)
	default:
		var statusErr *grasplet.StatusError
		if errors.As(err, &statusErr) {
			log.Errorf("Authentication failed with status: %d", statusErr.StatusCode)
			return "", fmt.Errorf("%w: %w", ErrInvalidAuth, err)
		}
		log.Errorf("Cannot connect to Grasplet API: %v", err)
		return "", fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}
}

// Create validates the credentials and stores a new entry. Validation
// problems come back as form errors; a username that is already configured
// aborts the flow.
func (w *Wizard) Create(ctx context.Context, creds grasplet.Credentials) (config.Entry, FormErrors, error) {
	creds = creds.WithDefaults()
	if errs := fieldErrors(creds); errs != nil {
		return config.Entry{}, errs, nil
	}

	title, err := w.Validate(ctx, creds)
	if err != nil {
		return config.Entry{}, FormErrors{"base": errorCode(err)}, nil
	}

	entry, err := w.store.Add(title, creds)
	if errors.Is(err, config.ErrAlreadyConfigured) {
		return config.Entry{}, nil, &AbortError{Reason: "already_configured", Err: err}
	}
	if err != nil {
		return config.Entry{}, nil, err
	}

	if err := w.host.Setup(entry); err != nil {
		return entry, nil, fmt.Errorf("failed to set up entry: %w", err)
	}
	log.Infof("Created entry %s for %s", entry.ID, creds.Username)
	return entry, nil, nil
}

// Reconfigure validates new credentials for an existing entry, replaces the
// stored record and reloads its poller. Validation failures abort the flow.
func (w *Wizard) Reconfigure(ctx context.Context, id string, creds grasplet.Credentials) (config.Entry, string, error) {
	if _, ok := w.store.Get(id); !ok {
		return config.Entry{}, "", config.ErrEntryNotFound
	}

	creds = creds.WithDefaults()
	if err := creds.Validate(); err != nil {
		return config.Entry{}, "", &AbortError{Reason: ErrorInvalidValue, Err: err}
	}

	title, err := w.Validate(ctx, creds)
	if err != nil {
		return config.Entry{}, "", &AbortError{Reason: errorCode(err), Err: err}
	}

	entry, err := w.store.Replace(id, title, creds)
	if errors.Is(err, config.ErrAlreadyConfigured) {
		return config.Entry{}, "", &AbortError{Reason: "already_configured", Err: err}
	}
	if err != nil {
		return config.Entry{}, "", err
	}

	if err := w.host.Reload(entry); err != nil {
		return entry, "", fmt.Errorf("failed to reload entry: %w", err)
	}
	log.Infof("Reconfigured entry %s", entry.ID)
	return entry, ReasonReconfigureSuccessful, nil
}

func fieldErrors(creds grasplet.Credentials) FormErrors {
	var fieldErr *grasplet.FieldError
	if err := creds.Validate(); errors.As(err, &fieldErr) {
		return FormErrors{fieldErr.Field: ErrorInvalidValue}
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAuth):
		return ErrorInvalidAuth
	case errors.Is(err, ErrCannotConnect):
		return ErrorCannotConnect
	default:
		return ErrorUnknown
	}
}
