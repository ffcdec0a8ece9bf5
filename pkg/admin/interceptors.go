package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"connectrpc.com/connect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventdaemon/pkg/observability"
)

// NewLoggingInterceptor logs every call with its duration.
func NewLoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)

			attrs := []any{
				slog.String("procedure", req.Spec().Procedure),
				slog.String("peer", req.Peer().Addr),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if err != nil {
				logger.WarnContext(ctx, "admin call failed", append(attrs,
					slog.String("code", connect.CodeOf(err).String()),
					slog.String("error", err.Error()))...)
				return nil, err
			}
			logger.InfoContext(ctx, "admin call", attrs...)
			return res, nil
		}
	}
}

// NewRecoveryInterceptor turns a panicking handler into CodeInternal.
func NewRecoveryInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (res connect.AnyResponse, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "admin handler panicked",
						slog.String("procedure", req.Spec().Procedure),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					res = nil
					err = connect.NewError(connect.CodeInternal, fmt.Errorf("handler panicked: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}

// NewTracingInterceptor opens a server span per call.
func NewTracingInterceptor(tracer trace.Tracer) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			ctx, span := observability.StartSpan(ctx, tracer, "admin"+req.Spec().Procedure,
				observability.WithAttributes(
					attribute.String("rpc.system", "connect"),
					attribute.String("rpc.method", req.Spec().Procedure),
				))
			res, err := next(ctx, req)
			observability.EndSpan(span, err)
			return res, err
		}
	}
}

// Token is an admin credential as configured: a name and the bcrypt hash
// of the secret. Read-only tokens may only call read procedures.
type Token struct {
	Name     string
	Hash     string
	ReadOnly bool
}

type principalKey struct{}

// PrincipalFrom returns the name of the token that authenticated ctx.
func PrincipalFrom(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(principalKey{}).(string)
	return name, ok
}

// NewTokenInterceptor requires "Authorization: Bearer <token>" matching
// one of tokens.
func NewTokenInterceptor(tokens ...Token) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				return next(ctx, req)
			}

			secret, ok := strings.CutPrefix(req.Header().Get("Authorization"), "Bearer ")
			if !ok || secret == "" {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("bearer token required"))
			}

			for _, token := range tokens {
				if CompareToken(token.Hash, secret) != nil {
					continue
				}
				if token.ReadOnly && !readOnlyProcedures[req.Spec().Procedure] {
					return nil, connect.NewError(connect.CodePermissionDenied,
						fmt.Errorf("token %q is read-only", token.Name))
				}
				return next(context.WithValue(ctx, principalKey{}, token.Name), req)
			}
			return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid token"))
		}
	}
}

// withBearerToken sets the Authorization header on client calls.
func withBearerToken(token string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				req.Header().Set("Authorization", "Bearer "+token)
			}
			return next(ctx, req)
		}
	}
}
