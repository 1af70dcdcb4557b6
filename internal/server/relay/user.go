package relay

import (
	"context"

	"github.com/holepunch/holepunch/internal/server/session"
	"github.com/holepunch/holepunch/internal/tunnelrpc"
)

// UserService implements tunnelrpc.UserServer on top of the session
// registry.
type UserService struct {
	sessions *session.Registry
}

// NewUserService creates the User service.
func NewUserService(sessions *session.Registry) *UserService {
	return &UserService{sessions: sessions}
}

// Login exchanges a shared-secret token for a session id.
func (u *UserService) Login(_ context.Context, in *tunnelrpc.LoginBody) (*tunnelrpc.LoginReply, error) {
	return u.sessions.Login(in.Token)
}
