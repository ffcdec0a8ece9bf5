package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// NATSOptions maps the credentials to nats.Connect options.
func (c *Credentials) NATSOptions() ([]nats.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.IsExpired() {
		return nil, ErrCredentialsExpired
	}

	switch c.Type {
	case CredentialTypeToken:
		return []nats.Option{nats.Token(c.Token)}, nil

	case CredentialTypeUserPassword:
		return []nats.Option{nats.UserInfo(c.User, c.Password)}, nil

	case CredentialTypeNKey:
		kp, err := nkeys.FromSeed([]byte(c.Seed))
		if err != nil {
			return nil, fmt.Errorf("%w: nkey seed: %v", ErrInvalidCredentials, err)
		}
		pub, err := kp.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("%w: nkey public key: %v", ErrInvalidCredentials, err)
		}
		return []nats.Option{nats.Nkey(pub, kp.Sign)}, nil

	case CredentialTypeJWT:
		return []nats.Option{nats.UserJWTAndSeed(c.JWT, c.Seed)}, nil

	case CredentialTypeMTLS:
		cert, err := tls.X509KeyPair([]byte(c.CertPEM), []byte(c.KeyPEM))
		if err != nil {
			return nil, fmt.Errorf("%w: client certificate: %v", ErrInvalidCredentials, err)
		}
		cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		if c.CAPEM != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(c.CAPEM)) {
				return nil, fmt.Errorf("%w: no certificates in ca_pem", ErrInvalidCredentials)
			}
			cfg.RootCAs = pool
		}
		return []nats.Option{nats.Secure(cfg)}, nil
	}
	return nil, errors.ErrUnsupported
}
