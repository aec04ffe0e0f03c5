package server

import (
	"context"
	"net/http"
	"time"

	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// requestLimiter is one token bucket shared by the gRPC and HTTP surfaces.
type requestLimiter struct {
	limiter *rate.Limiter
}

// newRequestLimiter returns nil, meaning unlimited, for perMinute <= 0.
func newRequestLimiter(perMinute int) *requestLimiter {
	if perMinute <= 0 {
		return nil
	}
	limit := rate.Every(time.Minute / time.Duration(perMinute))
	return &requestLimiter{limiter: rate.NewLimiter(limit, perMinute)}
}

func (r *requestLimiter) allow() bool {
	if r == nil || r.limiter == nil {
		return true
	}
	return r.limiter.Allow()
}

func (r *requestLimiter) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !r.allow() {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func (r *requestLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func loggingUnaryInterceptor(logger zerolog.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
		start := time.Now()
		defer func() {
			code := status.Code(err)
			observeRequest(metrics, info.FullMethod, code, start)
			ev := logger.Debug()
			if code == codes.Internal || code == codes.Unknown {
				ev = logger.Error().Err(err)
			}
			ev.Str("method", info.FullMethod).
				Str("code", code.String()).
				Dur("duration", time.Since(start)).
				Msg("grpc unary")
		}()
		return handler(ctx, req)
	}
}

func recoveryUnaryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("panic in unary handler")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func observeRequest(metrics *observability.Metrics, method string, code codes.Code, start time.Time) {
	if metrics == nil {
		return
	}
	metrics.QueryRequests.WithLabelValues(method, code.String()).Inc()
	metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// interceptors builds the unary chain, outermost first.
func interceptors(logger zerolog.Logger, metrics *observability.Metrics, limiter *requestLimiter, auth *authenticator) grpc.ServerOption {
	chain := []grpc.UnaryServerInterceptor{
		loggingUnaryInterceptor(logger, metrics),
		recoveryUnaryInterceptor(logger),
	}
	if limiter != nil {
		chain = append(chain, limiter.unaryInterceptor())
	}
	chain = append(chain, auth.unaryInterceptor())
	return grpc.ChainUnaryInterceptor(chain...)
}
