package admin

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/protobuf/types/known/emptypb"
)

func TestRecoveryInterceptor(t *testing.T) {
	const procedure = "/test.v1.Panics/Boom"
	logger := slog.New(slog.DiscardHandler)

	handler := connect.NewUnaryHandler(procedure,
		func(context.Context, *connect.Request[emptypb.Empty]) (*connect.Response[emptypb.Empty], error) {
			panic("boom")
		},
		connect.WithInterceptors(
			NewRecoveryInterceptor(logger),
			NewTracingInterceptor(noop.NewTracerProvider().Tracer("test")),
			NewLoggingInterceptor(logger),
		),
	)
	mux := http.NewServeMux()
	mux.Handle(procedure, handler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := connect.NewClient[emptypb.Empty, emptypb.Empty](srv.Client(), srv.URL+procedure)
	_, err := client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeInternal, connect.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestTokenHashing(t *testing.T) {
	_, err := HashToken("password")
	assert.Error(t, err, "weak tokens are rejected")

	_, err = HashToken("")
	assert.ErrorIs(t, err, ErrEmptyToken)

	token, err := GenerateToken()
	require.NoError(t, err)
	require.NoError(t, ValidateTokenStrength(token))

	hash, err := HashToken(token, WithCost(MinCost))
	require.NoError(t, err)
	assert.NoError(t, CompareToken(hash, token))
	assert.Error(t, CompareToken(hash, token+"x"))
	assert.ErrorIs(t, CompareToken("", token), ErrEmptyToken)
}

func TestPrincipalFrom(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	name, ok := PrincipalFrom(context.WithValue(context.Background(), principalKey{}, "ops"))
	assert.True(t, ok)
	assert.Equal(t, "ops", name)
}
