package credentials

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/secrets"
	"gocloud.dev/secrets/localsecrets"
)

func newKeeperAndBucket(t *testing.T) (*secrets.Keeper, *blob.Bucket) {
	t.Helper()
	key, err := localsecrets.NewRandomKey()
	require.NoError(t, err)

	keeper := localsecrets.NewKeeper(key)
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() {
		bucket.Close()
		keeper.Close()
	})
	return keeper, bucket
}

func TestSecretProvider_RoundTrip(t *testing.T) {
	ctx := context.Background()
	keeper, bucket := newKeeperAndBucket(t)

	stored := &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     "daemon",
		Password: "s3cret",
		Metadata: map[string]string{"environment": "test"},
	}
	require.NoError(t, StoreCredentials(ctx, keeper, bucket, "nats.enc", stored))

	raw, err := bucket.ReadAll(ctx, "nats.enc")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret", "the envelope is encrypted")

	provider, err := NewSecretProvider(ctx, keeper, bucket, "nats.enc", ProviderConfig{CacheTTL: time.Minute}, nil)
	require.NoError(t, err)
	defer provider.Close()

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "daemon", creds.User)
	assert.Equal(t, "s3cret", creds.Password, "secrets survive the envelope unmasked")
	assert.Equal(t, "test", creds.Metadata["environment"])
	assert.Equal(t, CredentialTypeUserPassword, provider.Type())
}

func TestSecretProvider_RotatePicksUpNewEnvelope(t *testing.T) {
	ctx := context.Background()
	keeper, bucket := newKeeperAndBucket(t)

	require.NoError(t, StoreCredentials(ctx, keeper, bucket, "nats.enc", &Credentials{Type: CredentialTypeToken, Token: "first"}))
	provider, err := NewSecretProvider(ctx, keeper, bucket, "nats.enc", ProviderConfig{CacheTTL: time.Hour}, nil)
	require.NoError(t, err)
	defer provider.Close()

	require.NoError(t, StoreCredentials(ctx, keeper, bucket, "nats.enc", &Credentials{Type: CredentialTypeToken, Token: "second"}))

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", creds.Token, "cached until rotation")

	require.NoError(t, provider.Rotate(ctx))
	creds, err = provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", creds.Token)
}

func TestSecretProvider_CacheExpiryReloads(t *testing.T) {
	ctx := context.Background()
	keeper, bucket := newKeeperAndBucket(t)

	require.NoError(t, StoreCredentials(ctx, keeper, bucket, "nats.enc", &Credentials{Type: CredentialTypeToken, Token: "first"}))
	provider, err := NewSecretProvider(ctx, keeper, bucket, "nats.enc", ProviderConfig{CacheTTL: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer provider.Close()

	require.NoError(t, StoreCredentials(ctx, keeper, bucket, "nats.enc", &Credentials{Type: CredentialTypeToken, Token: "second"}))
	time.Sleep(20 * time.Millisecond)

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", creds.Token)
}

func TestSecretProvider_Failures(t *testing.T) {
	ctx := context.Background()
	keeper, bucket := newKeeperAndBucket(t)

	t.Run("missing envelope", func(t *testing.T) {
		_, err := NewSecretProvider(ctx, keeper, bucket, "absent.enc", DefaultConfig(), nil)
		assert.Error(t, err)
	})

	t.Run("invalid credentials are not stored", func(t *testing.T) {
		err := StoreCredentials(ctx, keeper, bucket, "bad.enc", &Credentials{Type: CredentialTypeToken})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("foreign key cannot decrypt", func(t *testing.T) {
		other, _ := newKeeperAndBucket(t)
		require.NoError(t, StoreCredentials(ctx, other, bucket, "foreign.enc", &Credentials{Type: CredentialTypeToken, Token: "t"}))
		_, err := NewSecretProvider(ctx, keeper, bucket, "foreign.enc", DefaultConfig(), nil)
		assert.Error(t, err)
	})

	t.Run("closed", func(t *testing.T) {
		require.NoError(t, StoreCredentials(ctx, keeper, bucket, "nats.enc", &Credentials{Type: CredentialTypeToken, Token: "t"}))
		provider, err := NewSecretProvider(ctx, keeper, bucket, "nats.enc", DefaultConfig(), nil)
		require.NoError(t, err)

		require.NoError(t, provider.Close())
		require.NoError(t, provider.Close())
		_, err = provider.GetCredentials(ctx)
		assert.ErrorIs(t, err, ErrProviderClosed)
	})
}

func TestSecretProvider_ConcurrentReads(t *testing.T) {
	ctx := context.Background()
	keeper, bucket := newKeeperAndBucket(t)
	require.NoError(t, StoreCredentials(ctx, keeper, bucket, "nats.enc", &Credentials{Type: CredentialTypeToken, Token: "t"}))

	provider, err := NewSecretProvider(ctx, keeper, bucket, "nats.enc", ProviderConfig{CacheTTL: time.Millisecond, RefreshInterval: time.Millisecond}, nil)
	require.NoError(t, err)
	defer provider.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				creds, err := provider.GetCredentials(ctx)
				if assert.NoError(t, err) {
					assert.Equal(t, "t", creds.Token)
				}
			}
		}()
	}
	wg.Wait()
}

func TestOpenSecretProvider_RequiresURLs(t *testing.T) {
	_, err := OpenSecretProvider(context.Background(), "", "mem://", "nats.enc")
	assert.Error(t, err)
}
