package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/holepunch/holepunch/internal/server/endpoint"
	"github.com/holepunch/holepunch/internal/server/session"
	"github.com/holepunch/holepunch/internal/tunnelrpc"
)

// Service implements tunnelrpc.TunnelServer. One instance serves every
// connected client; connections are demultiplexed by their 32-character
// conn id.
type Service struct {
	endpoints *endpoint.Registry
	httpTX    chan<- Payload
	tcpTX     chan<- Payload
	logger    *slog.Logger

	// mu guards conns only for map mutation and lookup; no user code
	// runs while it is held.
	mu    sync.Mutex
	conns map[string]Connection
}

// NewService creates the Tunnel service. httpTX and tcpTX are the event
// channels of the HTTP and TCP front-ends.
func NewService(endpoints *endpoint.Registry, httpTX, tcpTX chan<- Payload, logger *slog.Logger) *Service {
	return &Service{
		endpoints: endpoints,
		httpTX:    httpTX,
		tcpTX:     tcpTX,
		logger:    logger,
		conns:     make(map[string]Connection),
	}
}

// Listen reserves an entrypoint for the calling client and streams
// lifecycle notifications: exactly one "ready" carrying the entrypoint
// URL, then one "coming" per accepted external connection. The
// entrypoint stays alive exactly as long as this stream does; when the
// client goes away the owning front-end gets a release Payload and the
// entrypoint returns to the pool.
func (s *Service) Listen(param *tunnelrpc.ListenParam, stream tunnelrpc.Tunnel_ListenServer) error {
	ctx := stream.Context()
	username, _ := session.UsernameFromContext(ctx)

	var front chan<- Payload
	switch param.Protocol {
	case tunnelrpc.ProtocolHTTP:
		front = s.httpTX
	case tunnelrpc.ProtocolTCP:
		front = s.tcpTX
	default:
		return status.Errorf(codes.InvalidArgument, "unknown protocol %d", param.Protocol)
	}

	ep, err := s.endpoints.Build(param.Protocol, param.Subdomain)
	if err != nil {
		return err
	}

	connCh := make(chan Connection, ChanCap)
	surfaced := make(map[string]struct{})
	front <- Payload{TX: connCh, Entrypoint: ep}
	defer func() {
		s.teardown(surfaced)
		front <- Payload{Entrypoint: ep}
		s.endpoints.Release(ep)
		s.logger.Info("entrypoint released",
			slog.String("username", username),
			slog.String("entrypoint", ep),
		)
	}()

	// "ready" goes out before the first connection can be surfaced.
	if err := stream.Send(&tunnelrpc.ListenNotification{
		Action:  tunnelrpc.ActionReady,
		Message: ep,
	}); err != nil {
		return err
	}
	s.logger.Info("tunnel established",
		slog.String("username", username),
		slog.String("protocol", param.Protocol.String()),
		slog.String("entrypoint", ep),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-connCh:
			// Record before emitting so a fast client cannot race a
			// Transfer Ready against an absent map entry.
			surfaced[conn.ID] = struct{}{}
			s.mu.Lock()
			s.conns[conn.ID] = conn
			s.mu.Unlock()

			if err := stream.Send(&tunnelrpc.ListenNotification{
				Action:  tunnelrpc.ActionComing,
				Message: conn.ID,
			}); err != nil {
				return err
			}
		}
	}
}

// Transfer multiplexes the byte traffic of many external connections
// over one bidirectional stream. Inbound messages are dispatched by
// conn id and status; protocol errors (unknown id, bad status) are
// logged and dropped without failing the stream. A connection lives
// until its exchange reaches Done or either peer closes: connections
// this stream was serving die with it.
func (s *Service) Transfer(stream tunnelrpc.Tunnel_TransferServer) error {
	ctx := stream.Context()

	// Conn ids this stream has served. Whatever has not reached Done
	// when the stream ends dies with it.
	serving := make(map[string]struct{})
	defer func() { s.teardown(serving) }()

	// gRPC streams do not allow concurrent SendMsg; the per-connection
	// drain goroutines share this stream.
	var sendMu sync.Mutex
	send := func(m *tunnelrpc.TransferReply) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.Send(m)
	}

	for {
		body, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}

		conn, ok := s.lookup(body.ConnID)
		if !ok {
			s.logger.Warn("transfer for unknown connection", slog.String("conn_id", body.ConnID))
			continue
		}

		switch body.Status {
		case tunnelrpc.StatusReady:
			serving[body.ConnID] = struct{}{}
			reqCh := make(chan []byte, ChanCap)
			if !s.deliver(ctx, conn, TxData{Ch: reqCh}) {
				return nil
			}
			// Drain in a fresh goroutine so the receive loop (and the
			// conns map) is never held up by a slow stream peer.
			go drainRequest(ctx, body.ConnID, reqCh, send)

		case tunnelrpc.StatusWorking:
			serving[body.ConnID] = struct{}{}
			if !s.deliver(ctx, conn, Data(body.RespData)) {
				return nil
			}

		case tunnelrpc.StatusDone:
			if !s.deliver(ctx, conn, EOFData()) {
				return nil
			}
			s.remove(body.ConnID)
			delete(serving, body.ConnID)

		default:
			s.logger.Warn("transfer with malformed status",
				slog.String("conn_id", body.ConnID),
				slog.Int("status", int(body.Status)),
			)
		}
	}
}

// drainRequest forwards request chunks to the client until the
// front-end terminates the stream (empty chunk or channel close), then
// emits the final empty reply that tells the client to half-close its
// local write side. Once the stream context dies or a send fails the
// chunks are discarded instead of forwarded, but consumption continues
// to the terminator: the front-end writing reqCh must never be left
// blocked on a channel nobody reads.
func drainRequest(ctx context.Context, connID string, reqCh <-chan []byte, send func(*tunnelrpc.TransferReply) error) {
	forward := send
	done := ctx.Done()
	for {
		select {
		case <-done:
			forward = nil
			done = nil
		case b, ok := <-reqCh:
			if !ok || len(b) == 0 {
				if forward != nil {
					_ = forward(&tunnelrpc.TransferReply{ConnID: connID})
				}
				return
			}
			if forward == nil {
				continue
			}
			if err := forward(&tunnelrpc.TransferReply{ConnID: connID, ReqData: b}); err != nil {
				forward = nil
			}
		}
	}
}

// deliver sends xd to the connection's front-end, giving up when the
// transfer stream dies so a vanished front-end cannot wedge the
// receive loop. It reports whether the stream is still alive.
func (s *Service) deliver(ctx context.Context, conn Connection, xd XData) bool {
	select {
	case conn.TX <- xd:
		return true
	case <-ctx.Done():
		return false
	}
}

// teardown destroys any of the given connections that are still live.
// Closing TX is how a front-end observes the peer going away; a
// DataReader turns it into io.EOF.
func (s *Service) teardown(ids map[string]struct{}) {
	for id := range ids {
		if conn, ok := s.take(id); ok {
			close(conn.TX)
			s.logger.Debug("connection torn down", slog.String("conn_id", id))
		}
	}
}

// take removes id and returns its connection. Exactly one caller wins,
// which keeps the close in teardown single-shot even when a Listen and
// a Transfer stream die together.
func (s *Service) take(id string) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	return conn, ok
}

func (s *Service) lookup(id string) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	return conn, ok
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}
