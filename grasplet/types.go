// Package grasplet provides types and a client for the Grasplet SIM data API,
// and the coordinator that keeps a SIM snapshot fresh.
package grasplet

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MinPollIntervalHours is the shortest allowed poll interval.
	MinPollIntervalHours = 1

	// MaxPollIntervalHours is the longest allowed poll interval (one week).
	MaxPollIntervalHours = 168

	// DefaultPollIntervalHours is used when no interval is configured.
	DefaultPollIntervalHours = 24
)

// Credentials are the account settings collected at setup time.
type Credentials struct {
	// Username for the Grasplet account
	Username string `yaml:"username" json:"username"`

	// Password for the Grasplet account
	Password string `yaml:"password" json:"password"`

	// PollIntervalHours is how often the SIM list is fetched
	PollIntervalHours int `yaml:"poll_interval_hours" json:"poll_interval_hours"`
}

// Validate checks that the credentials are usable.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return &FieldError{Field: "username", Reason: "required"}
	}
	if c.Password == "" {
		return &FieldError{Field: "password", Reason: "required"}
	}
	if c.PollIntervalHours < MinPollIntervalHours || c.PollIntervalHours > MaxPollIntervalHours {
		return &FieldError{
			Field:  "poll_interval_hours",
			Reason: fmt.Sprintf("must be between %d and %d", MinPollIntervalHours, MaxPollIntervalHours),
		}
	}
	return nil
}

// WithDefaults fills in the poll interval when it was left unset.
func (c Credentials) WithDefaults() Credentials {
	if c.PollIntervalHours == 0 {
		c.PollIntervalHours = DefaultPollIntervalHours
	}
	return c
}

// Interval returns the poll interval as a duration.
func (c Credentials) Interval() time.Duration {
	return time.Duration(c.PollIntervalHours) * time.Hour
}

// FieldError reports an invalid credentials field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SIMID is a SIM identifier. The API sends it either as a number or a string.
type SIMID string

// UnmarshalJSON accepts both JSON strings and numbers.
func (id *SIMID) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		*id = SIMID(val)
	case float64:
		*id = SIMID(strconv.FormatFloat(val, 'f', -1, 64))
	case nil:
		*id = ""
	default:
		return fmt.Errorf("unsupported SIM id %s", string(b))
	}
	return nil
}

// Number is an optional numeric value that may arrive as a JSON number,
// a numeric string or null.
type Number struct {
	Value float64
	Valid bool
}

// NewNumber returns a present Number.
func NewNumber(v float64) Number {
	return Number{Value: v, Valid: true}
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = Number{}
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		*n = NewNumber(val)
	case string:
		val = strings.TrimSpace(val)
		if val == "" || val == "N/A" || val == "null" {
			return nil
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", val, err)
		}
		*n = NewNumber(f)
	default:
		return fmt.Errorf("unsupported number %s", string(b))
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// SIM is one SIM card record as returned by the API.
type SIM struct {
	ID               SIMID       `json:"id"`
	Name             string      `json:"name"`
	ICCID            string      `json:"iccid"`
	Status           string      `json:"status"`
	AvailabilityZone string      `json:"availabilityZone"`
	PlanUsageDetails []PlanUsage `json:"PlanUsageDetails"`
}

// DisplayName returns the trimmed SIM name, falling back to "SIM <id>".
func (s SIM) DisplayName() string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return fmt.Sprintf("SIM %s", s.ID)
}

// CurrentPlan returns the plan usage entry sensors report on. The API has
// only ever been seen returning one entry per SIM.
func (s SIM) CurrentPlan() (PlanUsage, bool) {
	if len(s.PlanUsageDetails) == 0 {
		return PlanUsage{}, false
	}
	return s.PlanUsageDetails[0], true
}

// PlanUsage pairs a data plan with its current usage.
type PlanUsage struct {
	Plan  Plan  `json:"plan"`
	Usage Usage `json:"usage"`
}

// Plan describes a SIM data plan.
type Plan struct {
	PlanName string `json:"planName"`

	// DataLimit is the plan allowance in gigabytes
	DataLimit Number `json:"dataLimit"`

	// ExpiryDate is an ISO 8601 timestamp
	ExpiryDate string `json:"expiryDate"`
}

// Usage holds the remaining data on a plan.
type Usage struct {
	// Data is the remaining amount, expressed in DataUnit
	Data Number `json:"data"`

	// DataUnit is GB, MB or KB
	DataUnit string `json:"dataUnit"`

	AvailabilityZone string `json:"availabilityZone"`
}

// loginRequest is the body of POST /api/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the body returned by a successful login.
type loginResponse struct {
	Result bool `json:"result"`
	Data   struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// simsResponse is the body returned by GET /api/sim/all.
type simsResponse struct {
	Result bool            `json:"result"`
	Data   json.RawMessage `json:"data"`
}
