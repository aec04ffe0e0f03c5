package server

import (
	"context"
	"net/http"
	"strings"

	"LendLedger/internal/config"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Callers present a token as "authorization: Bearer <token>" or in the
// x-api-token header. The same names work as gRPC metadata and HTTP headers.
const (
	AuthorizationHeader = "authorization"
	APITokenHeader      = "x-api-token"
)

// Identity is the account a request authenticated as.
type Identity struct {
	Account uuid.UUID
	Admin   bool
}

type identityContextKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFrom returns the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok && id.Account != uuid.Nil
}

// CallerFrom returns the authenticated account, if any.
func CallerFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := IdentityFrom(ctx)
	return id.Account, ok
}

// authenticator maps API tokens to identities. Queries may be anonymous;
// commands need a token.
type authenticator struct {
	tokens map[string]Identity
}

func newAuthenticator(tokens []config.APIToken) *authenticator {
	a := &authenticator{tokens: make(map[string]Identity, len(tokens))}
	for _, t := range tokens {
		token := strings.TrimSpace(t.Token)
		if token == "" || t.Account == uuid.Nil {
			continue
		}
		a.tokens[token] = Identity{Account: t.Account, Admin: t.Admin}
	}
	return a
}

// identify resolves the presented token. No token at all yields ok=false;
// a token that matches nothing is an error.
func (a *authenticator) identify(authorization, apiTokens []string) (Identity, bool, error) {
	var presented []string
	for _, h := range authorization {
		if token := parseBearerToken(h); token != "" {
			presented = append(presented, token)
		}
	}
	for _, h := range apiTokens {
		if token := strings.TrimSpace(h); token != "" {
			presented = append(presented, token)
		}
	}
	if len(presented) == 0 {
		return Identity{}, false, nil
	}
	for _, token := range presented {
		if id, ok := a.tokens[token]; ok {
			return id, true, nil
		}
	}
	return Identity{}, false, status.Error(codes.Unauthenticated, "invalid API token")
}

// authenticate attaches the caller's identity to ctx. required is set for
// command calls, which are rejected without one.
func (a *authenticator) authenticate(ctx context.Context, authorization, apiTokens []string, required bool) (context.Context, error) {
	if required && len(a.tokens) == 0 {
		return ctx, status.Error(codes.PermissionDenied, "authentication is not configured")
	}
	id, ok, err := a.identify(authorization, apiTokens)
	if err != nil {
		return ctx, err
	}
	if !ok {
		if required {
			return ctx, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}
	return withIdentity(ctx, id), nil
}

func (a *authenticator) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		ctx, err := a.authenticate(ctx, md.Get(AuthorizationHeader), md.Get(APITokenHeader), isCommandMethod(info.FullMethod))
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// httpContext is the gateway counterpart of unaryInterceptor.
func (a *authenticator) httpContext(r *http.Request, required bool) (context.Context, error) {
	return a.authenticate(r.Context(), r.Header.Values(AuthorizationHeader), r.Header.Values(APITokenHeader), required)
}

func isCommandMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/"+CommandServiceName+"/")
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func withOutgoingToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, AuthorizationHeader, "Bearer "+token)
}
