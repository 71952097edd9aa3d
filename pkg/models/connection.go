package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
)

// ConnectionID identifies one configured connection. It is immutable once
// allocated and its string form is the canonical UUID text.
type ConnectionID uuid.UUID

// NewConnectionID allocates a fresh random identity.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New())
}

// ParseConnectionID parses the string form produced by ConnectionID.String.
func ParseConnectionID(s string) (ConnectionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ConnectionID{}, fmt.Errorf("parse connection id %q: %w", s, err)
	}
	return ConnectionID(id), nil
}

func (id ConnectionID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the zero identity.
func (id ConnectionID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id ConnectionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *ConnectionID) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(data)
}

// ComponentID identifies one UI consumer of a connection (navigator panel,
// editor tab, property view). A component gets a new id per instantiation.
type ComponentID uuid.UUID

// NewComponentID allocates a fresh random component identity.
func NewComponentID() ComponentID {
	return ComponentID(uuid.New())
}

func (id ComponentID) String() string { return uuid.UUID(id).String() }

func (id ComponentID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// SSLMode is the libpq sslmode setting for a connection.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModeAllow      SSLMode = "allow"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// DefaultSSLMode is used when a config does not name one.
const DefaultSSLMode = SSLModePrefer

// SSLModes lists every mode in the order a connection dialog offers them.
func SSLModes() []SSLMode {
	return []SSLMode{SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull}
}

// ParseSSLMode accepts the libpq spelling ("verify-ca") as well as the
// capitalised enum spelling ("VerifyCa") found in older config files.
func ParseSSLMode(s string) (SSLMode, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "":
		return DefaultSSLMode, nil
	case "verifyca":
		return SSLModeVerifyCA, nil
	case "verifyfull":
		return SSLModeVerifyFull, nil
	}
	for _, m := range SSLModes() {
		if string(m) == normalized {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown ssl mode %q", s)
}

func (m SSLMode) String() string { return string(m) }

func (m *SSLMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSSLMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// DefaultPort is the PostgreSQL default port.
const DefaultPort = 5432

// DefaultConnectTimeoutSeconds is used by the connection dialog when the user
// leaves the timeout untouched.
const DefaultConnectTimeoutSeconds = 30

// ConnectionConfig is the persisted description of one connection.
// Password is stored in cleartext.
type ConnectionConfig struct {
	Name              string     `json:"name" validate:"notblank"`
	Host              string     `json:"host" validate:"notblank"`
	Port              int        `json:"port" validate:"min=1,max=65535"`
	Database          string     `json:"database" validate:"notblank"`
	Username          string     `json:"username" validate:"notblank"`
	Password          string     `json:"password"`
	SSLMode           SSLMode    `json:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	ConnectionTimeout int        `json:"connection_timeout" validate:"gt=0"`
	CreatedAt         time.Time  `json:"created_at"`
	LastConnected     *time.Time `json:"last_connected"`
	IsActive          bool       `json:"is_active"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}

var fieldMessages = map[string]string{
	"Name":              "Connection name cannot be empty",
	"Host":              "Host cannot be empty",
	"Port":              "Port must be between 1 and 65535",
	"Database":          "Database name cannot be empty",
	"Username":          "Username cannot be empty",
	"SSLMode":           "SSL mode must be one of disable, allow, prefer, require, verify-ca, verify-full",
	"ConnectionTimeout": "Connection timeout must be greater than 0",
}

// Validate checks the config without touching the network. The returned
// error is an *apperrors.ValidationError naming the first failing field.
func (c ConnectionConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		field := fieldErrs[0].Field()
		msg, ok := fieldMessages[field]
		if !ok {
			msg = fmt.Sprintf("%s is invalid", field)
		}
		return apperrors.NewValidationError(field, msg)
	}
	return fmt.Errorf("validate connection config: %w", err)
}

// EffectiveSSLMode returns the configured mode or the default.
func (c ConnectionConfig) EffectiveSSLMode() SSLMode {
	if c.SSLMode == "" {
		return DefaultSSLMode
	}
	return c.SSLMode
}

// SameEndpoint reports whether two configs would open the same physical
// connections. Display name and bookkeeping fields are ignored.
func (c ConnectionConfig) SameEndpoint(other ConnectionConfig) bool {
	return c.Host == other.Host &&
		c.Port == other.Port &&
		c.Database == other.Database &&
		c.Username == other.Username &&
		c.Password == other.Password &&
		c.EffectiveSSLMode() == other.EffectiveSSLMode() &&
		c.ConnectionTimeout == other.ConnectionTimeout
}

// MarkConnected records a successful activation.
func (c *ConnectionConfig) MarkConnected(at time.Time) {
	c.LastConnected = &at
	c.IsActive = true
}

// SetActive toggles the persisted active flag; activating also stamps
// LastConnected.
func (c *ConnectionConfig) SetActive(active bool, at time.Time) {
	if active {
		c.MarkConnected(at)
		return
	}
	c.IsActive = false
}

// Clone returns a copy that shares no pointers with c.
func (c ConnectionConfig) Clone() ConnectionConfig {
	out := c
	if c.LastConnected != nil {
		t := *c.LastConnected
		out.LastConnected = &t
	}
	return out
}

// RedactedURL renders the connection for display with the password masked.
func (c ConnectionConfig) RedactedURL() string {
	return fmt.Sprintf("postgresql://%s:****@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.Username), c.Host, c.Port, url.QueryEscape(c.Database), c.EffectiveSSLMode())
}
