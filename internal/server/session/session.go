// Package session authenticates holepunch clients.
//
// Login exchanges a shared-secret token for a session id; every other
// RPC must present that id as metadata "authorization" and is checked
// by the interceptors in this package. Sessions live in memory and die
// with the process: there is no logout and no persistence.
package session

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/holepunch/holepunch/internal/config"
	"github.com/holepunch/holepunch/internal/random"
	"github.com/holepunch/holepunch/internal/tunnelrpc"
)

// MetadataKey is the gRPC metadata key carrying the session id; it is
// shared with the client through the wire package.
const MetadataKey = tunnelrpc.MetadataKey

// contextKey is an unexported type for context keys in this package to
// avoid collisions with keys defined by other packages.
type contextKey int

const usernameKey contextKey = 0

// UsernameFromContext retrieves the authenticated username injected by
// the interceptors. It returns ("", false) on unauthenticated contexts.
func UsernameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(usernameKey).(string)
	return name, ok && name != ""
}

// Registry owns the session map. The interceptors hold the same
// *Registry the Login writer uses; reads take an RLock so concurrent
// checks never starve the writer.
type Registry struct {
	authMethod string
	tokens     map[string]string
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]string // session id -> username
}

// NewRegistry creates a Registry over the configured token table.
func NewRegistry(cfg *config.Config, logger *slog.Logger) *Registry {
	return &Registry{
		authMethod: cfg.Core.AuthMethod,
		tokens:     cfg.Tokens,
		logger:     logger,
		sessions:   make(map[string]string),
	}
}

// Login authenticates token against the token table and mints a new
// 128-character session id. It fails with InvalidArgument on an unknown
// token and Unimplemented when the configured auth method is not
// "token".
func (r *Registry) Login(token string) (*tunnelrpc.LoginReply, error) {
	username, err := r.usernameForToken(token)
	if err != nil {
		return nil, err
	}

	id := random.String(random.SessionLen)
	r.mu.Lock()
	r.sessions[id] = username
	r.mu.Unlock()

	r.logger.Info("session created", slog.String("username", username))
	return &tunnelrpc.LoginReply{SessionID: id, Username: username}, nil
}

// usernameForToken scans the token table. Duplicate tokens yield the
// first matching username; Go map iteration makes "first" arbitrary but
// stable enough for a table that should not contain duplicates anyway.
func (r *Registry) usernameForToken(token string) (string, error) {
	if r.authMethod != config.AuthMethodToken {
		return "", status.Error(codes.Unimplemented, "oidc not implemented")
	}
	for username, t := range r.tokens {
		if t == token {
			return username, nil
		}
	}
	return "", status.Error(codes.InvalidArgument, "invalid token")
}

// Lookup resolves a session id to its username.
func (r *Registry) Lookup(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.sessions[sessionID]
	return name, ok
}

// authenticate validates the metadata on ctx and returns a child
// context carrying the username.
func (r *Registry) authenticate(ctx context.Context, fullMethod string) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(MetadataKey)
	if len(vals) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization")
	}
	username, ok := r.Lookup(vals[0])
	if !ok {
		r.logger.Warn("rejected rpc with unknown session",
			slog.String("method", fullMethod),
		)
		return nil, status.Error(codes.Unauthenticated, "invalid session")
	}
	return context.WithValue(ctx, usernameKey, username), nil
}

// UnaryInterceptor checks the session on every unary RPC except Login.
func (r *Registry) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == tunnelrpc.UserLoginFullMethod {
			return handler(ctx, req)
		}
		ctx, err := r.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor checks the session on every streaming RPC.
func (r *Registry) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := r.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &sessionServerStream{ServerStream: ss, ctx: ctx})
	}
}

// sessionServerStream wraps a grpc.ServerStream with a context that
// carries the authenticated username.
type sessionServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *sessionServerStream) Context() context.Context { return s.ctx }
