package credentials

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{"token", Credentials{Type: CredentialTypeToken, Token: "t"}, false},
		{"token missing", Credentials{Type: CredentialTypeToken}, true},
		{"user password", Credentials{Type: CredentialTypeUserPassword, User: "daemon", Password: "p"}, false},
		{"password missing", Credentials{Type: CredentialTypeUserPassword, User: "daemon"}, true},
		{"nkey", Credentials{Type: CredentialTypeNKey, Seed: "SU..."}, false},
		{"jwt without seed", Credentials{Type: CredentialTypeJWT, JWT: "eyJ"}, true},
		{"mtls without key", Credentials{Type: CredentialTypeMTLS, CertPEM: "cert"}, true},
		{"no type", Credentials{Token: "t"}, true},
		{"unknown type", Credentials{Type: "kerberos"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredentials)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCredentials_IsExpired(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)

	assert.False(t, (&Credentials{}).IsExpired())
	assert.True(t, (&Credentials{ExpiresAt: &past}).IsExpired())
	assert.False(t, (&Credentials{ExpiresAt: &future}).IsExpired())
}

func TestCredentials_MarshalJSONMasksSecrets(t *testing.T) {
	creds := &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     "daemon",
		Password: "super-secret",
		Metadata: map[string]string{"environment": "production"},
	}

	data, err := json.Marshal(creds)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"password":"***"`)
	assert.Contains(t, string(data), `"user":"daemon"`)
	assert.NotContains(t, string(data), "super-secret")
	assert.NotContains(t, string(data), `"token"`)
	assert.Equal(t, "user_password credentials for daemon", creds.String())
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 5*time.Minute, config.CacheTTL)
	assert.Equal(t, config.CacheTTL/2, config.RefreshInterval)
}
