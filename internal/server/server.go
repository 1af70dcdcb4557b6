// Package server wires the holepunchd daemon together: the gRPC control
// channel (User + Tunnel services behind the session interceptors), the
// public HTTP front-end, the TCP listener pool, and the event loops
// connecting them to the relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	"github.com/holepunch/holepunch/internal/config"
	"github.com/holepunch/holepunch/internal/server/endpoint"
	"github.com/holepunch/holepunch/internal/server/relay"
	"github.com/holepunch/holepunch/internal/server/session"
	"github.com/holepunch/holepunch/internal/server/tcpproxy"
	"github.com/holepunch/holepunch/internal/server/web"
	"github.com/holepunch/holepunch/internal/tunnelrpc"
)

// Server is the assembled holepunchd daemon.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	grpc    *grpc.Server
	web     *web.Server
	tcpPool *tcpproxy.Pool

	httpTX chan relay.Payload
	tcpTX  chan relay.Payload
}

// New assembles the daemon from its configuration. The returned Server
// has not bound any sockets yet; call Run or Serve.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	var portLo, portHi int
	if cfg.Core.AllowPorts != "" {
		var err error
		portLo, portHi, err = cfg.PortRange()
		if err != nil {
			return nil, err
		}
	}

	sessions := session.NewRegistry(cfg, logger)
	endpoints := endpoint.NewRegistry(cfg.HTTP.DefaultDomain, portLo, portHi)

	httpTX := make(chan relay.Payload, relay.ChanCap)
	tcpTX := make(chan relay.Payload, relay.ChanCap)

	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(sessions.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(sessions.StreamInterceptor()),
	)
	tunnelrpc.RegisterUserServer(gs, relay.NewUserService(sessions))
	tunnelrpc.RegisterTunnelServer(gs, relay.NewService(endpoints, httpTX, tcpTX, logger))

	return &Server{
		cfg:     cfg,
		logger:  logger,
		grpc:    gs,
		web:     web.NewServer(cfg.HTTP.BindAddr, logger),
		tcpPool: tcpproxy.NewPool(logger),
		httpTX:  httpTX,
		tcpTX:   tcpTX,
	}, nil
}

// Run binds the configured addresses and blocks until ctx is cancelled
// or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", s.cfg.Core.BindAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Core.BindAddr, err)
	}
	webLis, err := net.Listen("tcp", s.cfg.HTTP.BindAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("server: listen %s: %w", s.cfg.HTTP.BindAddr, err)
	}
	return s.Serve(ctx, grpcLis, webLis)
}

// Serve accepts on caller-provided listeners and blocks until ctx is
// cancelled or a fatal error occurs. Useful in tests with listeners on
// port 0.
func (s *Server) Serve(ctx context.Context, grpcLis, webLis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Front-end event loops: relay Payloads flow to the owning
	// front-end until shutdown.
	go eventLoop(ctx, s.httpTX, s.web.HandlePayload)
	go eventLoop(ctx, s.tcpTX, s.tcpPool.HandlePayload)

	webErrCh := make(chan error, 1)
	go func() {
		if err := s.web.Serve(ctx, webLis); err != nil {
			webErrCh <- err
		}
		close(webErrCh)
	}()

	s.logger.Info("control channel listening", slog.String("addr", grpcLis.Addr().String()))

	grpcErrCh := make(chan error, 1)
	go func() {
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			grpcErrCh <- err
		}
		close(grpcErrCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		s.grpc.GracefulStop()
	case err := <-grpcErrCh:
		if err != nil {
			return fmt.Errorf("server: grpc serve: %w", err)
		}
		return nil
	case err := <-webErrCh:
		if err != nil {
			s.grpc.Stop()
			return fmt.Errorf("server: http front-end: %w", err)
		}
		return nil
	}

	if err := <-grpcErrCh; err != nil {
		return fmt.Errorf("server: grpc drain: %w", err)
	}
	return nil
}

// Stop forcefully terminates all active RPCs. Prefer cancelling the
// Serve context for a graceful drain.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// eventLoop pumps Payloads to a front-end handler until ctx ends.
func eventLoop(ctx context.Context, ch <-chan relay.Payload, handle func(relay.Payload)) {
	for {
		select {
		case <-ctx.Done():
			return
		case pl := <-ch:
			handle(pl)
		}
	}
}
