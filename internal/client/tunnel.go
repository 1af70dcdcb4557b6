// Package client implements the holepunch tunnel client: it logs in to
// a holepunchd, reserves a public entrypoint, and serves every external
// connection the server announces by dialing the configured local
// target and bridging bytes in both directions.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/holepunch/holepunch/internal/tunnelrpc"
)

// copyChunkSize caps local socket reads per Working message.
const copyChunkSize = 48 * 1024

// Tunnel is one authenticated client connection to a holepunchd.
type Tunnel struct {
	conn   *grpc.ClientConn
	tunnel tunnelrpc.TunnelClient
	user   *tunnelrpc.LoginReply
	logger *slog.Logger

	// stdout receives the user-facing ready banner; swapped in tests.
	stdout io.Writer
}

// Connect dials endpoint and logs in with token. Authentication
// failures surface as gRPC statuses (InvalidArgument for a bad token).
func Connect(ctx context.Context, endpoint, token string, logger *slog.Logger) (*Tunnel, error) {
	addr, err := dialAddr(endpoint)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(tunnelrpc.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	user, err := tunnelrpc.NewUserClient(conn).Login(ctx, &tunnelrpc.LoginBody{Token: token})
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("logged in", slog.String("username", user.Username))

	return &Tunnel{
		conn:   conn,
		tunnel: tunnelrpc.NewTunnelClient(conn),
		user:   user,
		logger: logger,
		stdout: os.Stdout,
	}, nil
}

// Close tears down the control connection.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}

// Username returns the identity the server associated with the token.
func (t *Tunnel) Username() string { return t.user.Username }

// authCtx attaches the session id to outgoing metadata.
func (t *Tunnel) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, tunnelrpc.MetadataKey, t.user.SessionID)
}

// Start reserves an entrypoint and serves it until the control stream
// ends. It returns nil when the server closes the stream cleanly,
// ErrDisconnect when it ends mid-flight, and the gRPC status otherwise.
func (t *Tunnel) Start(ctx context.Context, protocol tunnelrpc.Protocol, target, subdomain string) error {
	stream, err := t.tunnel.Listen(t.authCtx(ctx), &tunnelrpc.ListenParam{
		Protocol:  protocol,
		Subdomain: subdomain,
	})
	if err != nil {
		return err
	}

	ready := false
	for {
		n, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if ready {
					return nil
				}
				return ErrDisconnect
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch n.Action {
		case tunnelrpc.ActionReady:
			ready = true
			fmt.Fprintf(t.stdout, "Username: %s\n", t.user.Username)
			fmt.Fprintf(t.stdout, "Forwarding: %s => %s\n", n.Message, target)
		case tunnelrpc.ActionComing:
			go t.serveConn(ctx, n.Message, target)
		default:
			t.logger.Debug("ignoring unknown notification", slog.String("action", n.Action))
		}
	}
}

// serveConn handles one announced external connection: it opens a
// fresh Transfer stream, registers with Ready, dials the local target,
// and bridges until either side finishes.
func (t *Tunnel) serveConn(ctx context.Context, connID, target string) {
	stream, err := t.tunnel.Transfer(t.authCtx(ctx))
	if err != nil {
		t.logger.Error("failed to open transfer stream",
			slog.String("conn_id", connID),
			slog.Any("error", err),
		)
		return
	}

	if err := stream.Send(&tunnelrpc.TransferBody{ConnID: connID, Status: tunnelrpc.StatusReady}); err != nil {
		t.logger.Error("failed to register connection",
			slog.String("conn_id", connID),
			slog.Any("error", err),
		)
		return
	}

	local, err := net.Dial("tcp", target)
	if err != nil {
		t.logger.Error("failed to dial local target",
			slog.String("conn_id", connID),
			slog.String("target", target),
			slog.Any("error", err),
		)
		// Tell the server the connection is over so the public side is
		// not left hanging.
		_ = stream.Send(&tunnelrpc.TransferBody{ConnID: connID, Status: tunnelrpc.StatusDone})
		_ = stream.CloseSend()
		return
	}
	defer local.Close()

	var g errgroup.Group

	g.Go(func() error {
		// server -> local target; an empty req_data half-closes the
		// write side so the target sees end of request.
		for {
			reply, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if len(reply.ReqData) == 0 {
				if tc, ok := local.(*net.TCPConn); ok {
					_ = tc.CloseWrite()
				}
				continue
			}
			if _, err := local.Write(reply.ReqData); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		// local target -> server; end-of-stream becomes Done.
		buf := make([]byte, copyChunkSize)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				msg := &tunnelrpc.TransferBody{
					ConnID:   connID,
					Status:   tunnelrpc.StatusWorking,
					RespData: buf[:n],
				}
				if serr := stream.Send(msg); serr != nil {
					return serr
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					return err
				}
				if serr := stream.Send(&tunnelrpc.TransferBody{ConnID: connID, Status: tunnelrpc.StatusDone}); serr != nil {
					return serr
				}
				return stream.CloseSend()
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		t.logger.Warn("connection ended with error",
			slog.String("conn_id", connID),
			slog.Any("error", err),
		)
	}
	t.logger.Debug("connection finished", slog.String("conn_id", connID))
}

// dialAddr turns the configured endpoint URL into a gRPC dial target.
// Both "http://host:port" and a bare "host:port" are accepted.
func dialAddr(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("connect %s: no host in endpoint", endpoint)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return host, nil
}
