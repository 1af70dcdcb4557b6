// Package web is the public HTTP front-end: one shared listener whose
// requests are matched to a tunnel by their Host header, serialized to
// raw HTTP/1.1 bytes, pushed through the relay, and answered from the
// byte chunks the client sends back.
package web

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/holepunch/holepunch/internal/random"
	"github.com/holepunch/holepunch/internal/server/relay"
)

const notFoundBody = "vHost Not Found"

// headerProbeLen bounds how far into the first response chunk the
// header/body split is searched.
const headerProbeLen = 1024

// Server is the HTTP front-end. Payloads from the relay register and
// release vhosts; incoming requests are matched against the vhost map
// and tunneled.
type Server struct {
	bindAddr string
	logger   *slog.Logger

	mu     sync.Mutex
	vhosts map[string]chan relay.Connection

	httpSrv *http.Server
}

// NewServer creates the front-end; call Run (or Serve with a prepared
// listener) to start accepting.
func NewServer(bindAddr string, logger *slog.Logger) *Server {
	return &Server{
		bindAddr: bindAddr,
		logger:   logger,
		vhosts:   make(map[string]chan relay.Connection),
	}
}

// HandlePayload registers or releases a vhost. It is the front-end half
// of the relay's Payload contract: nil TX releases.
func (s *Server) HandlePayload(pl relay.Payload) {
	host := hostFromEntrypoint(pl.Entrypoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	if pl.TX == nil {
		delete(s.vhosts, host)
		s.logger.Debug("vhost released", slog.String("host", host))
		return
	}
	s.vhosts[host] = pl.TX
	s.logger.Debug("vhost registered", slog.String("host", host))
}

// hostFromEntrypoint maps "http://demo.example.test" to
// "demo.example.test".
func hostFromEntrypoint(ep string) string {
	return strings.TrimPrefix(strings.ToLower(ep), "http://")
}

// Run binds bindAddr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.bindAddr, err)
	}
	s.logger.Info("http front-end listening", slog.String("addr", s.bindAddr))
	return s.Serve(ctx, lis)
}

// Serve accepts on lis until ctx is cancelled. Useful in tests with a
// caller-controlled listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.proxy)}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.httpSrv.Close()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web: serve: %w", err)
		}
		return nil
	}
}

// proxy handles one external request end to end: vhost lookup, raw
// serialization, relay handoff, streamed response.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	tx := s.lookupVhost(r.Host)
	if tx == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, notFoundBody)
		return
	}

	raw, err := rawRequest(r)
	if err != nil {
		s.logger.Warn("failed to buffer request", slog.String("host", r.Host), slog.Any("error", err))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	rx := make(chan relay.XData, relay.ChanCap)
	conn := relay.Connection{ID: random.String(random.ConnIDLen), TX: rx}

	ctx := r.Context()
	select {
	case tx <- conn:
	case <-ctx.Done():
		return
	}

	s.serveExchange(ctx, w, conn.ID, raw, rx)
}

func (s *Server) lookupVhost(host string) chan relay.Connection {
	host = strings.ToLower(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vhosts[host]
}

// rawRequest serializes r to HTTP/1.1 wire bytes: request line, Host,
// the remaining headers in canonical casing, blank line, fully buffered
// body. Buffering the body is a known limit for large uploads; the wire
// format would have to change to stream it.
func rawRequest(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", r.Method, r.URL.RequestURI(), r.Proto)
	fmt.Fprintf(&buf, "Host: %s\r\n", r.Host)
	for name, vals := range r.Header {
		// The body goes out fully buffered; chunked framing must not.
		if name == "Transfer-Encoding" {
			continue
		}
		for _, v := range vals {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	// net/http de-chunks uploads and drops their length headers; the
	// local target still needs to know where the body ends.
	if len(body) > 0 && r.Header.Get("Content-Length") == "" {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// serveExchange drains the connection's XData stream: the single TxData
// receives the request bytes, the first Data chunk carries the response
// head, later chunks stream the body, and the EOF marker ends the
// exchange.
func (s *Server) serveExchange(ctx context.Context, w http.ResponseWriter, connID string, raw []byte, rx chan relay.XData) {
	flusher, _ := w.(http.Flusher)
	headerDone := false

	for {
		select {
		case <-ctx.Done():
			return
		case xd, ok := <-rx:
			if !ok {
				return
			}
			switch v := xd.(type) {
			case relay.TxData:
				// Exactly once: hand over the request and close, which
				// the relay translates into the terminal empty reply.
				v.Ch <- raw
				close(v.Ch)

			case relay.Data:
				if v.IsEOF() {
					return
				}
				if !headerDone {
					headerDone = true
					if err := writeHead(w, []byte(v)); err != nil {
						s.logger.Warn("bad response head",
							slog.String("conn_id", connID),
							slog.Any("error", err),
						)
						http.Error(w, "Bad Gateway", http.StatusBadGateway)
						return
					}
				} else {
					if _, err := w.Write(v); err != nil {
						return
					}
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
	}
}

// writeHead splits the first chunk at the first CRLFCRLF within its
// first kilobyte, parses the status line and headers leniently, and
// writes head plus any body prefix to w. A chunk with no header
// boundary is treated as a headerless body.
func writeHead(w http.ResponseWriter, chunk []byte) error {
	probe := chunk
	if len(probe) > headerProbeLen {
		probe = probe[:headerProbeLen]
	}
	idx := bytes.Index(probe, []byte("\r\n\r\n"))
	if idx < 0 {
		_, err := w.Write(chunk)
		return err
	}

	head := chunk[:idx+2]
	body := chunk[idx+4:]

	code, header, err := parseHead(head)
	if err != nil {
		return err
	}
	for name, vals := range header {
		// The raw body bytes are re-framed by net/http; hop-by-hop
		// framing headers from the local target must not survive.
		if name == "Transfer-Encoding" || name == "Connection" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(code)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return nil // client went away; not a head error
		}
	}
	return nil
}

func newBufReader(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}

// parseHead parses "HTTP/1.x <code> <reason>" plus the header block.
func parseHead(head []byte) (int, textproto.MIMEHeader, error) {
	tp := textproto.NewReader(newBufReader(head))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return 0, nil, fmt.Errorf("read status line: %w", err)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return 0, nil, fmt.Errorf("malformed status code in %q", statusLine)
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, fmt.Errorf("read headers: %w", err)
	}
	return code, header, nil
}
