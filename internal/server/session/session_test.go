package session_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"google.golang.org/grpc"
	grpccode "google.golang.org/grpc/codes"
	grpcmeta "google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/holepunch/holepunch/internal/config"
	"github.com/holepunch/holepunch/internal/server/session"
	"github.com/holepunch/holepunch/internal/tunnelrpc"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newRegistry(authMethod string) *session.Registry {
	cfg := &config.Config{
		Core:   config.Core{AuthMethod: authMethod},
		Tokens: map[string]string{"alice": "secret-a", "bob": "secret-b"},
	}
	return session.NewRegistry(cfg, newLogger())
}

// mockServerStream is a hand-rolled grpc.ServerStream carrying only a
// context, enough for interceptor tests without a network connection.
type mockServerStream struct {
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context      { return m.ctx }
func (m *mockServerStream) SendMsg(msg interface{}) error { return nil }
func (m *mockServerStream) RecvMsg(msg interface{}) error { return nil }
func (m *mockServerStream) SendHeader(grpcmeta.MD) error  { return nil }
func (m *mockServerStream) SetHeader(grpcmeta.MD) error   { return nil }
func (m *mockServerStream) SetTrailer(grpcmeta.MD)        {}

// authedCtx builds an incoming context the way gRPC would present it
// after a client attached the session id.
func authedCtx(id string) context.Context {
	return grpcmeta.NewIncomingContext(context.Background(), grpcmeta.Pairs(session.MetadataKey, id))
}

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

func TestLogin_HappyPath(t *testing.T) {
	r := newRegistry(config.AuthMethodToken)

	reply, err := r.Login("secret-a")
	if err != nil {
		t.Fatalf("Login returned unexpected error: %v", err)
	}
	if reply.Username != "alice" {
		t.Errorf("username = %q; want alice", reply.Username)
	}
	if len(reply.SessionID) != 128 {
		t.Errorf("session id length = %d; want 128", len(reply.SessionID))
	}

	name, ok := r.Lookup(reply.SessionID)
	if !ok || name != "alice" {
		t.Errorf("Lookup = (%q, %v); want (alice, true)", name, ok)
	}
}

func TestLogin_DistinctSessionIDs(t *testing.T) {
	r := newRegistry(config.AuthMethodToken)

	a, err := r.Login("secret-a")
	if err != nil {
		t.Fatalf("first Login failed: %v", err)
	}
	b, err := r.Login("secret-a")
	if err != nil {
		t.Fatalf("second Login failed: %v", err)
	}
	if a.SessionID == b.SessionID {
		t.Error("two logins yielded the same session id")
	}
}

func TestLogin_InvalidToken(t *testing.T) {
	r := newRegistry(config.AuthMethodToken)

	_, err := r.Login("nope")
	if err == nil {
		t.Fatal("Login accepted an unknown token")
	}
	if st, _ := grpcstatus.FromError(err); st.Code() != grpccode.InvalidArgument {
		t.Errorf("code = %s; want InvalidArgument", st.Code())
	}
}

func TestLogin_OIDCUnimplemented(t *testing.T) {
	r := newRegistry(config.AuthMethodOIDC)

	_, err := r.Login("secret-a")
	if err == nil {
		t.Fatal("Login succeeded under the oidc auth method")
	}
	if st, _ := grpcstatus.FromError(err); st.Code() != grpccode.Unimplemented {
		t.Errorf("code = %s; want Unimplemented", st.Code())
	}
}

// ---------------------------------------------------------------------------
// Unary interceptor
// ---------------------------------------------------------------------------

func TestUnaryInterceptor_LoginBypassesAuth(t *testing.T) {
	r := newRegistry(config.AuthMethodToken)
	ic := r.UnaryInterceptor()

	called := false
	_, err := ic(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: tunnelrpc.UserLoginFullMethod},
		func(ctx context.Context, req any) (any, error) {
			called = true
			return nil, nil
		})
	if err != nil {
		t.Fatalf("interceptor rejected Login: %v", err)
	}
	if !called {
		t.Error("handler was not invoked")
	}
}

func TestUnaryInterceptor_MissingAuthorization(t *testing.T) {
	r := newRegistry(config.AuthMethodToken)
	ic := r.UnaryInterceptor()

	info := &grpc.UnaryServerInfo{FullMethod: "/holepunch.Tunnel/Other"}
	handler := func(ctx context.Context, req any) (any, error) {
		t.Error("handler must not run without a session")
		return nil, nil
	}

	for name, ctx := range map[string]context.Context{
		"no metadata":   context.Background(),
		"no session id": grpcmeta.NewIncomingContext(context.Background(), grpcmeta.MD{}),
		"unknown id":    authedCtx("bogus"),
	} {
		_, err := ic(ctx, nil, info, handler)
		if err == nil {
			t.Fatalf("%s: interceptor let the call through", name)
		}
		if st, _ := grpcstatus.FromError(err); st.Code() != grpccode.Unauthenticated {
			t.Errorf("%s: code = %s; want Unauthenticated", name, st.Code())
		}
	}
}

func TestUnaryInterceptor_ValidSessionCarriesUsername(t *testing.T) {
	r := newRegistry(config.AuthMethodToken)
	reply, err := r.Login("secret-b")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	ic := r.UnaryInterceptor()
	var got string
	_, err = ic(authedCtx(reply.SessionID), nil,
		&grpc.UnaryServerInfo{FullMethod: "/holepunch.Tunnel/Other"},
		func(ctx context.Context, req any) (any, error) {
			got, _ = session.UsernameFromContext(ctx)
			return nil, nil
		})
	if err != nil {
		t.Fatalf("interceptor rejected a valid session: %v", err)
	}
	if got != "bob" {
		t.Errorf("handler saw username %q; want bob", got)
	}
}

// ---------------------------------------------------------------------------
// Stream interceptor
// ---------------------------------------------------------------------------

func TestStreamInterceptor_ValidSessionCarriesUsername(t *testing.T) {
	r := newRegistry(config.AuthMethodToken)
	reply, err := r.Login("secret-a")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	ic := r.StreamInterceptor()
	var got string
	err = ic(nil, &mockServerStream{ctx: authedCtx(reply.SessionID)},
		&grpc.StreamServerInfo{FullMethod: tunnelrpc.TunnelListenFullMethod},
		func(srv any, ss grpc.ServerStream) error {
			got, _ = session.UsernameFromContext(ss.Context())
			return nil
		})
	if err != nil {
		t.Fatalf("interceptor rejected a valid session: %v", err)
	}
	if got != "alice" {
		t.Errorf("handler saw username %q; want alice", got)
	}
}

func TestStreamInterceptor_RejectsUnknownSession(t *testing.T) {
	r := newRegistry(config.AuthMethodToken)
	ic := r.StreamInterceptor()

	err := ic(nil, &mockServerStream{ctx: authedCtx("bogus")},
		&grpc.StreamServerInfo{FullMethod: tunnelrpc.TunnelTransferFullMethod},
		func(srv any, ss grpc.ServerStream) error {
			t.Error("handler must not run without a session")
			return nil
		})
	if err == nil {
		t.Fatal("interceptor let the stream through")
	}
	if st, _ := grpcstatus.FromError(err); st.Code() != grpccode.Unauthenticated {
		t.Errorf("code = %s; want Unauthenticated", st.Code())
	}
}

func TestUsernameFromContext_Unauthenticated(t *testing.T) {
	if name, ok := session.UsernameFromContext(context.Background()); ok || name != "" {
		t.Errorf("UsernameFromContext = (%q, %v); want (\"\", false)", name, ok)
	}
}
