// Package tcpproxy is the public TCP front-end: a pool of
// per-entrypoint listeners, started when a tunnel registers its port
// and stopped when it goes away. Every accepted socket becomes one
// relayed Connection.
package tcpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/holepunch/holepunch/internal/random"
	"github.com/holepunch/holepunch/internal/server/relay"
)

// copyChunkSize caps socket reads so one message never exceeds the
// relay's framing sweet spot.
const copyChunkSize = 48 * 1024

// Pool owns the active TCP listeners, one per registered entrypoint.
type Pool struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string]context.CancelFunc
}

// NewPool creates an empty listener pool.
func NewPool(logger *slog.Logger) *Pool {
	return &Pool{
		logger:    logger,
		listeners: make(map[string]context.CancelFunc),
	}
}

// HandlePayload starts a listener on a register Payload and cancels it
// on a release Payload (nil TX).
func (p *Pool) HandlePayload(pl relay.Payload) {
	if pl.TX == nil {
		p.stop(pl.Entrypoint)
		return
	}
	if err := p.start(pl); err != nil {
		p.logger.Error("failed to start tcp listener",
			slog.String("entrypoint", pl.Entrypoint),
			slog.Any("error", err),
		)
	}
}

func (p *Pool) start(pl relay.Payload) error {
	addr, err := listenAddr(pl.Entrypoint)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcpproxy: listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.listeners[pl.Entrypoint] = cancel
	p.mu.Unlock()

	// Cancellation races the accept loop: closing the listener is what
	// actually breaks Accept.
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	p.logger.Info("tcp listener started", slog.String("addr", addr))
	go p.acceptLoop(ctx, lis, pl.TX)
	return nil
}

func (p *Pool) stop(ep string) {
	p.mu.Lock()
	cancel, ok := p.listeners[ep]
	delete(p.listeners, ep)
	p.mu.Unlock()
	if ok {
		cancel()
		p.logger.Info("tcp listener stopped", slog.String("entrypoint", ep))
	}
}

// listenAddr maps "tcp://0.0.0.0:50000" to "0.0.0.0:50000".
func listenAddr(ep string) (string, error) {
	u, err := url.Parse(ep)
	if err != nil {
		return "", fmt.Errorf("tcpproxy: parse entrypoint %q: %w", ep, err)
	}
	if u.Scheme != "tcp" || u.Host == "" {
		return "", fmt.Errorf("tcpproxy: entrypoint %q is not a tcp address", ep)
	}
	return u.Host, nil
}

func (p *Pool) acceptLoop(ctx context.Context, lis net.Listener, tx chan relay.Connection) {
	for {
		sock, err := lis.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				p.logger.Warn("accept failed", slog.Any("error", err))
			}
			return
		}
		go p.handleConn(ctx, sock, tx)
	}
}

// handleConn surfaces one accepted socket to the relay and bridges
// bytes both ways until either side finishes.
func (p *Pool) handleConn(ctx context.Context, sock net.Conn, tx chan relay.Connection) {
	defer sock.Close()

	rx := make(chan relay.XData, relay.ChanCap)
	conn := relay.Connection{ID: random.String(random.ConnIDLen), TX: rx}

	select {
	case tx <- conn:
	case <-ctx.Done():
		return
	}

	// The first message must be TX: the client has dialed its local
	// target and handed us the request byte channel.
	var reqCh chan []byte
	select {
	case <-ctx.Done():
		return
	case xd, ok := <-rx:
		if !ok {
			return
		}
		td, isTx := xd.(relay.TxData)
		if !isTx {
			p.logger.Warn("first relay message was not TX", slog.String("conn_id", conn.ID))
			return
		}
		reqCh = td.Ch
	}

	// Unblock both copy directions if the listener is being torn down.
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		// socket -> client, in chunks of at most 48 KiB; a zero-length
		// read ends the stream and Close sends the terminal chunk.
		w := relay.NewChunkWriter(reqCh)
		defer w.Close()
		buf := make([]byte, copyChunkSize)
		for {
			n, err := sock.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})

	g.Go(func() error {
		// client -> socket, until the EOF marker; then half-close so
		// the external peer observes end of response.
		_, err := io.Copy(sock, relay.NewDataReader(rx))
		if tc, ok := sock.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		return err
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Warn("tcp proxy stream error",
			slog.String("conn_id", conn.ID),
			slog.Any("error", err),
		)
	}
}
