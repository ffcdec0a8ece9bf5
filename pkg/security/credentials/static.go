package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// StaticProvider serves fixed credentials. Intended for development and
// tests.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticProvider wraps creds.
func NewStaticProvider(creds *Credentials) *StaticProvider {
	return &StaticProvider{creds: creds}
}

// NewStaticTokenProvider serves a token expiring after ttl; ttl <= 0 never
// expires.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	creds := &Credentials{Type: CredentialTypeToken, Token: token}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		creds.ExpiresAt = &exp
	}
	return NewStaticProvider(creds)
}

func (p *StaticProvider) GetCredentials(context.Context) (*Credentials, error) {
	if err := p.creds.Validate(); err != nil {
		return nil, err
	}
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

func (p *StaticProvider) Rotate(context.Context) error {
	return errors.New("rotation not supported for static credentials")
}

func (p *StaticProvider) Type() CredentialType { return p.creds.Type }

func (p *StaticProvider) Close() error { return nil }

// EnvProvider reads credentials from environment variables named
// <prefix>_TOKEN, <prefix>_USER, <prefix>_PASSWORD, <prefix>_NKEY_SEED and
// <prefix>_JWT. The first complete set wins in that order.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider reads variables with prefix, e.g. "EVENTDAEMON_NATS".
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix, lookup: os.LookupEnv}
}

func (p *EnvProvider) env(name string) string {
	v, _ := p.lookup(p.prefix + "_" + name)
	return v
}

func (p *EnvProvider) GetCredentials(context.Context) (*Credentials, error) {
	creds := &Credentials{Metadata: map[string]string{"provider": "environment"}}
	switch {
	case p.env("TOKEN") != "":
		creds.Type = CredentialTypeToken
		creds.Token = p.env("TOKEN")
	case p.env("USER") != "" || p.env("PASSWORD") != "":
		creds.Type = CredentialTypeUserPassword
		creds.User = p.env("USER")
		creds.Password = p.env("PASSWORD")
	case p.env("JWT") != "":
		creds.Type = CredentialTypeJWT
		creds.JWT = p.env("JWT")
		creds.Seed = p.env("NKEY_SEED")
	case p.env("NKEY_SEED") != "":
		creds.Type = CredentialTypeNKey
		creds.Seed = p.env("NKEY_SEED")
	default:
		return nil, fmt.Errorf("no credentials in %s_* environment variables", p.prefix)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

// Rotate is a no-op; every call re-reads the environment.
func (p *EnvProvider) Rotate(context.Context) error { return nil }

func (p *EnvProvider) Type() CredentialType {
	creds, err := p.GetCredentials(context.Background())
	if err != nil {
		return ""
	}
	return creds.Type
}

func (p *EnvProvider) Close() error { return nil }

// ChainProvider returns the credentials of the first provider that has
// some, e.g. a secret provider with an environment fallback.
type ChainProvider struct {
	providers []Provider
}

func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (p *ChainProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if len(p.providers) == 0 {
		return nil, errors.New("no credential providers configured")
	}
	var errs []error
	for i, provider := range p.providers {
		creds, err := provider.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
	}
	return nil, fmt.Errorf("all credential providers failed: %w", errors.Join(errs...))
}

// Rotate rotates every provider that supports it.
func (p *ChainProvider) Rotate(ctx context.Context) error {
	rotated := false
	var errs []error
	for _, provider := range p.providers {
		if err := provider.Rotate(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		rotated = true
	}
	if rotated {
		return nil
	}
	return errors.Join(errs...)
}

func (p *ChainProvider) Type() CredentialType {
	for _, provider := range p.providers {
		if t := provider.Type(); t != "" {
			return t
		}
	}
	return ""
}

func (p *ChainProvider) Close() error {
	var errs []error
	for _, provider := range p.providers {
		errs = append(errs, provider.Close())
	}
	return errors.Join(errs...)
}
