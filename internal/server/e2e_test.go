package server_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"google.golang.org/grpc"
	grpccode "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/holepunch/holepunch/internal/client"
	"github.com/holepunch/holepunch/internal/config"
	"github.com/holepunch/holepunch/internal/server"
	"github.com/holepunch/holepunch/internal/tunnelrpc"
)

const (
	testToken  = "secret123"
	testDomain = "example.test"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// startDaemon runs a full holepunchd on loopback listeners and returns
// the control channel address and the public HTTP address.
func startDaemon(t *testing.T, allowPorts string) (grpcAddr, webAddr string) {
	t.Helper()

	cfg := &config.Config{
		Core: config.Core{
			BindAddr:   "127.0.0.1:0",
			AuthMethod: config.AuthMethodToken,
			AllowPorts: allowPorts,
		},
		HTTP: config.HTTP{
			BindAddr:      "127.0.0.1:0",
			DefaultDomain: testDomain,
		},
		Tokens: map[string]string{"alice": testToken},
	}

	srv, err := server.New(cfg, newLogger())
	if err != nil {
		t.Fatalf("assemble server: %v", err)
	}

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("grpc listen: %v", err)
	}
	webLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("web listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, grpcLis, webLis) }()

	return grpcLis.Addr().String(), webLis.Addr().String()
}

// startHTTPTarget is a minimal local web service: it answers every
// request with 200 "ok" and closes the connection, which is what ends
// the relayed response stream.
func startHTTPTarget(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("target listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				// Read until the end of the request head; the tunneled
				// requests in these tests carry no body.
				var req []byte
				buf := make([]byte, 4096)
				for !bytes.Contains(req, []byte("\r\n\r\n")) {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					req = append(req, buf[:n]...)
				}
				fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
			}(conn)
		}
	}()
	return lis.Addr().String()
}

// startEchoTarget is a local TCP service that echoes until the peer
// half-closes, then hangs up.
func startEchoTarget(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}(conn)
		}
	}()
	return lis.Addr().String()
}

// startTunnel connects a real client and serves the tunnel in the
// background. The returned cancel tears the client down.
func startTunnel(t *testing.T, grpcAddr string, protocol tunnelrpc.Protocol, target, subdomain string) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	tun, err := client.Connect(ctx, grpcAddr, testToken, newLogger())
	if err != nil {
		cancel()
		t.Fatalf("client connect: %v", err)
	}
	go func() { _ = tun.Start(ctx, protocol, target, subdomain) }()

	stop := func() {
		cancel()
		tun.Close()
	}
	t.Cleanup(stop)
	return stop
}

// vhostGet issues one GET against the public front-end with the Host
// header forced to subdomain.<domain>.
func vhostGet(t *testing.T, webAddr, subdomain string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+webAddr+"/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = subdomain + "." + testDomain
	req.Close = true
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// awaitVhostStatus polls the front-end until the vhost answers with
// wantStatus, returning the final response body.
func awaitVhostStatus(t *testing.T, webAddr, subdomain string, wantStatus int) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := vhostGet(t, webAddr, subdomain)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err == nil && resp.StatusCode == wantStatus {
			return string(body)
		}
		if time.Now().After(deadline) {
			t.Fatalf("vhost %s never answered %d (last: %d %q)", subdomain, wantStatus, resp.StatusCode, body)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// grpcDial opens a raw control-channel connection the way the client
// does, without logging in.
func grpcDial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(tunnelrpc.CodecName)),
	)
}

func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// HTTP tunnels
// ---------------------------------------------------------------------------

func TestEndToEnd_HTTPTunnel(t *testing.T) {
	grpcAddr, webAddr := startDaemon(t, "")
	target := startHTTPTarget(t)

	startTunnel(t, grpcAddr, tunnelrpc.ProtocolHTTP, target, "demo")

	if body := awaitVhostStatus(t, webAddr, "demo", http.StatusOK); body != "ok" {
		t.Errorf("tunneled body = %q; want ok", body)
	}

	// A second request over the same tunnel works too.
	if body := awaitVhostStatus(t, webAddr, "demo", http.StatusOK); body != "ok" {
		t.Errorf("second tunneled body = %q; want ok", body)
	}
}

func TestEndToEnd_UnknownVhost(t *testing.T) {
	_, webAddr := startDaemon(t, "")

	resp := vhostGet(t, webAddr, "nobody")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d; want 404", resp.StatusCode)
	}
	if string(body) != "vHost Not Found" {
		t.Errorf("body = %q; want the not-found marker", body)
	}
}

func TestEndToEnd_SubdomainCollision(t *testing.T) {
	grpcAddr, webAddr := startDaemon(t, "")
	target := startHTTPTarget(t)

	startTunnel(t, grpcAddr, tunnelrpc.ProtocolHTTP, target, "shared")
	awaitVhostStatus(t, webAddr, "shared", http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	second, err := client.Connect(ctx, grpcAddr, testToken, newLogger())
	if err != nil {
		t.Fatalf("second client connect: %v", err)
	}
	defer second.Close()

	err = second.Start(ctx, tunnelrpc.ProtocolHTTP, target, "shared")
	if err == nil {
		t.Fatal("second tunnel claimed an occupied subdomain")
	}
	if st, _ := grpcstatus.FromError(err); st.Code() != grpccode.AlreadyExists {
		t.Errorf("code = %s; want AlreadyExists", st.Code())
	}
}

func TestEndToEnd_DisconnectReleasesEntrypoint(t *testing.T) {
	grpcAddr, webAddr := startDaemon(t, "")
	target := startHTTPTarget(t)

	stop := startTunnel(t, grpcAddr, tunnelrpc.ProtocolHTTP, target, "flaky")
	awaitVhostStatus(t, webAddr, "flaky", http.StatusOK)

	// Client goes away; the vhost must return to the pool.
	stop()
	awaitVhostStatus(t, webAddr, "flaky", http.StatusNotFound)

	// And the subdomain is claimable again.
	startTunnel(t, grpcAddr, tunnelrpc.ProtocolHTTP, target, "flaky")
	awaitVhostStatus(t, webAddr, "flaky", http.StatusOK)
}

// ---------------------------------------------------------------------------
// TCP tunnels
// ---------------------------------------------------------------------------

func TestEndToEnd_TCPTunnelEcho(t *testing.T) {
	grpcAddr, _ := startDaemon(t, "42911-42913")
	target := startEchoTarget(t)

	startTunnel(t, grpcAddr, tunnelrpc.ProtocolTCP, target, "")

	// The first tunnel gets the lowest port in the range.
	sock := dialRetry(t, "127.0.0.1:42911")
	defer sock.Close()

	if _, err := sock.Write([]byte("ping over the tunnel")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sock.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	got, err := io.ReadAll(sock)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "ping over the tunnel" {
		t.Errorf("echoed %q; want the sent bytes", got)
	}
}

func TestEndToEnd_TCPTunnelConcurrentConnections(t *testing.T) {
	grpcAddr, _ := startDaemon(t, "42921-42923")
	target := startEchoTarget(t)

	startTunnel(t, grpcAddr, tunnelrpc.ProtocolTCP, target, "")
	dialRetry(t, "127.0.0.1:42921").Close()

	// Several connections share the tunnel at once, each sending a
	// distinct payload large enough to split into many relay chunks, so
	// their byte streams interleave on the wire. Every connection must
	// get back exactly its own bytes.
	const clients = 4
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 150*1024)
		go func(payload []byte) {
			sock, err := net.Dial("tcp", "127.0.0.1:42921")
			if err != nil {
				errCh <- fmt.Errorf("dial: %w", err)
				return
			}
			defer sock.Close()
			if _, err := sock.Write(payload); err != nil {
				errCh <- fmt.Errorf("write: %w", err)
				return
			}
			if err := sock.(*net.TCPConn).CloseWrite(); err != nil {
				errCh <- fmt.Errorf("close write: %w", err)
				return
			}
			got, err := io.ReadAll(sock)
			if err != nil {
				errCh <- fmt.Errorf("read: %w", err)
				return
			}
			if !bytes.Equal(got, payload) {
				errCh <- fmt.Errorf("echo of %q-stream came back wrong: %d bytes, first %q",
					payload[0:1], len(got), got[:min(16, len(got))])
				return
			}
			errCh <- nil
		}(payload)
	}

	for i := 0; i < clients; i++ {
		select {
		case err := <-errCh:
			if err != nil {
				t.Error(err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("concurrent echo never finished")
		}
	}
}

func TestEndToEnd_PortExhaustion(t *testing.T) {
	grpcAddr, _ := startDaemon(t, "42915-42916")
	target := startEchoTarget(t)

	startTunnel(t, grpcAddr, tunnelrpc.ProtocolTCP, target, "")
	dialRetry(t, "127.0.0.1:42915").Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	second, err := client.Connect(ctx, grpcAddr, testToken, newLogger())
	if err != nil {
		t.Fatalf("second client connect: %v", err)
	}
	defer second.Close()

	err = second.Start(ctx, tunnelrpc.ProtocolTCP, target, "")
	if err == nil {
		t.Fatal("second tunnel got a port from an exhausted range")
	}
	if st, _ := grpcstatus.FromError(err); st.Code() != grpccode.Internal {
		t.Errorf("code = %s; want Internal", st.Code())
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestEndToEnd_LoginInvalidToken(t *testing.T) {
	grpcAddr, _ := startDaemon(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := client.Connect(ctx, grpcAddr, "wrong-token", newLogger())
	if err == nil {
		t.Fatal("Connect succeeded with an unknown token")
	}
	if st, _ := grpcstatus.FromError(err); st.Code() != grpccode.InvalidArgument {
		t.Errorf("code = %s; want InvalidArgument", st.Code())
	}
}

func TestEndToEnd_ListenRequiresSession(t *testing.T) {
	grpcAddr, _ := startDaemon(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := grpcDial(grpcAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stream, err := tunnelrpc.NewTunnelClient(conn).Listen(ctx, &tunnelrpc.ListenParam{
		Protocol: tunnelrpc.ProtocolHTTP,
	})
	if err == nil {
		_, err = stream.Recv()
	}
	if err == nil {
		t.Fatal("Listen succeeded without a session")
	}
	if st, _ := grpcstatus.FromError(err); st.Code() != grpccode.Unauthenticated {
		t.Errorf("code = %s; want Unauthenticated", st.Code())
	}
}
