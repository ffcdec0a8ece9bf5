package nats

import (
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventdaemon/pkg/security/credentials"
)

func TestEmbeddedServer_Shutdown(t *testing.T) {
	srv, err := StartEmbeddedServer()
	require.NoError(t, err)
	require.NotEmpty(t, srv.URL())

	var conns []*nats.Conn
	for range 3 {
		nc, err := nats.Connect(srv.URL())
		require.NoError(t, err)
		conns = append(conns, nc)
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Shutdown()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent shutdowns timed out")
	}

	for _, nc := range conns {
		nc.Close()
	}
}

func TestConnectWithCredentials(t *testing.T) {
	ctx := t.Context()

	t.Run("token", func(t *testing.T) {
		srv, err := StartEmbeddedServer(WithServerToken("s3cret"))
		require.NoError(t, err)
		t.Cleanup(srv.Shutdown)

		config := DefaultConnConfig()
		config.URL = srv.URL()
		config.MaxReconnects = 0

		_, err = Connect(ctx, config)
		assert.Error(t, err, "anonymous connections are refused")

		config.Credentials = credentials.NewStaticTokenProvider("s3cret", 0)
		nc, err := Connect(ctx, config)
		require.NoError(t, err)
		defer nc.Close()
		assert.True(t, nc.IsConnected())
	})

	t.Run("user password", func(t *testing.T) {
		srv, err := StartEmbeddedServer(WithServerUser("daemon", "pw"))
		require.NoError(t, err)
		t.Cleanup(srv.Shutdown)

		config := DefaultConnConfig()
		config.URL = srv.URL()
		config.MaxReconnects = 0
		config.Credentials = credentials.NewStaticProvider(&credentials.Credentials{
			Type: credentials.CredentialTypeUserPassword, User: "daemon", Password: "pw",
		})

		nc, err := Connect(ctx, config)
		require.NoError(t, err)
		nc.Close()
	})

	t.Run("nkey", func(t *testing.T) {
		user, err := nkeys.CreateUser()
		require.NoError(t, err)
		pub, err := user.PublicKey()
		require.NoError(t, err)
		seed, err := user.Seed()
		require.NoError(t, err)

		srv, err := StartEmbeddedServer(WithServerNKey(pub))
		require.NoError(t, err)
		t.Cleanup(srv.Shutdown)

		config := DefaultConnConfig()
		config.URL = srv.URL()
		config.MaxReconnects = 0
		config.Credentials = credentials.NewStaticProvider(&credentials.Credentials{
			Type: credentials.CredentialTypeNKey, Seed: string(seed),
		})

		nc, err := Connect(ctx, config)
		require.NoError(t, err)
		nc.Close()
	})

	t.Run("expired credentials", func(t *testing.T) {
		config := DefaultConnConfig()
		config.Credentials = credentials.NewStaticTokenProvider("s3cret", time.Nanosecond)
		time.Sleep(time.Millisecond)

		_, err := Connect(ctx, config)
		assert.ErrorIs(t, err, credentials.ErrCredentialsExpired)
	})
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "eventdaemon.progress.main.quest-party:All", ProgressSubject("eventdaemon", "main", "quest-party:All"))
	assert.Equal(t, "x.progress.tenant_a.orders_v2:All", ProgressSubject("x", "tenant.a", "orders.v2:All"))
	assert.Equal(t, "x.appends.a_b", AppendSubject("x", "a b"))
}
