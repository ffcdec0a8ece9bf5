// Package credentials loads the credentials the daemon uses to connect to
// NATS. Credentials come from static values, environment variables or an
// encrypted envelope kept in blob storage and opened with a
// gocloud.dev/secrets keeper (AWS KMS, GCP KMS, Azure Key Vault, Vault or
// local keys).
//
//	provider, err := credentials.OpenSecretProvider(ctx,
//		"base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4=",
//		"file:///etc/eventdaemon/secrets", "nats.enc")
//	creds, err := provider.GetCredentials(ctx)
//	opts, err := creds.NATSOptions()
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when attempting to use a closed provider
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType names the NATS authentication method.
type CredentialType string

const (
	CredentialTypeToken        CredentialType = "token"
	CredentialTypeUserPassword CredentialType = "user_password"
	CredentialTypeNKey         CredentialType = "nkey"
	CredentialTypeJWT          CredentialType = "jwt"
	CredentialTypeMTLS         CredentialType = "mtls"
)

// Credentials authenticate one NATS connection.
type Credentials struct {
	Type CredentialType `json:"type"`

	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	// Seed is the NKey seed for nkey and jwt authentication.
	Seed string `json:"seed,omitempty"`
	JWT  string `json:"jwt,omitempty"`

	CertPEM string `json:"cert_pem,omitempty"`
	KeyPEM  string `json:"key_pem,omitempty"`
	// CAPEM optionally pins the server certificate authority.
	CAPEM string `json:"ca_pem,omitempty"`

	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether ExpiresAt lies in the past.
func (c *Credentials) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Validate checks that the fields of the credential type are set.
func (c *Credentials) Validate() error {
	var missing string
	switch c.Type {
	case "":
		missing = "type"
	case CredentialTypeToken:
		if c.Token == "" {
			missing = "token"
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			missing = "user and password"
		}
	case CredentialTypeNKey:
		if c.Seed == "" {
			missing = "seed"
		}
	case CredentialTypeJWT:
		if c.JWT == "" || c.Seed == "" {
			missing = "jwt and seed"
		}
	case CredentialTypeMTLS:
		if c.CertPEM == "" || c.KeyPEM == "" {
			missing = "cert_pem and key_pem"
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}
	if missing != "" {
		return fmt.Errorf("%w: %s required", ErrInvalidCredentials, missing)
	}
	return nil
}

// String never prints secrets, so credentials are safe to log.
func (c *Credentials) String() string {
	if c.User != "" {
		return fmt.Sprintf("%s credentials for %s", c.Type, c.User)
	}
	return fmt.Sprintf("%s credentials", c.Type)
}

// redacted is the JSON form of Credentials with secrets masked.
type redacted struct {
	Type      CredentialType    `json:"type"`
	Token     string            `json:"token,omitempty"`
	User      string            `json:"user,omitempty"`
	Password  string            `json:"password,omitempty"`
	Seed      string            `json:"seed,omitempty"`
	JWT       string            `json:"jwt,omitempty"`
	CertPEM   string            `json:"cert_pem,omitempty"`
	KeyPEM    string            `json:"key_pem,omitempty"`
	CAPEM     string            `json:"ca_pem,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON masks every secret. Envelopes are written with
// json.Marshal of the plain struct type, see sealedCredentials.
func (c *Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted{
		Type:      c.Type,
		Token:     mask(c.Token),
		User:      c.User,
		Password:  mask(c.Password),
		Seed:      mask(c.Seed),
		JWT:       mask(c.JWT),
		CertPEM:   c.CertPEM,
		KeyPEM:    mask(c.KeyPEM),
		CAPEM:     c.CAPEM,
		ExpiresAt: c.ExpiresAt,
		Metadata:  c.Metadata,
	})
}

// Provider supplies credentials.
type Provider interface {
	// GetCredentials returns the current credentials.
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Rotate drops cached credentials so the next call reloads them.
	Rotate(ctx context.Context) error

	// Type returns the credential type this provider manages
	Type() CredentialType

	Close() error
}

// ProviderConfig configures the SecretProvider cache.
type ProviderConfig struct {
	// CacheTTL is how long decrypted credentials are reused
	CacheTTL time.Duration

	// RefreshInterval reloads credentials in the background when > 0
	RefreshInterval time.Duration
}

// DefaultConfig caches for five minutes and refreshes at half the TTL.
func DefaultConfig() ProviderConfig {
	return ProviderConfig{
		CacheTTL:        5 * time.Minute,
		RefreshInterval: 2*time.Minute + 30*time.Second,
	}
}
