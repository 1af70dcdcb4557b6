// Package endpoint allocates and tracks the public entrypoints owned by
// connected tunnels: HTTP vhosts under the configured default domain
// and TCP ports from the configured range. At most one owner exists per
// entrypoint at any instant.
package endpoint

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/holepunch/holepunch/internal/random"
	"github.com/holepunch/holepunch/internal/tunnelrpc"
)

// randomSubdomainAttempts bounds the retry loop for generated
// subdomains. The 8-character alphanumeric space makes even a second
// attempt vanishingly rare.
const randomSubdomainAttempts = 16

// Registry is the process-wide entrypoint set. Check-and-insert happens
// under one mutex, so concurrent builders can never both claim the same
// string.
type Registry struct {
	defaultDomain string
	portLo        int // inclusive
	portHi        int // exclusive

	mu     sync.Mutex
	active map[string]struct{}
}

// NewRegistry creates a Registry handing out vhosts under defaultDomain
// and TCP ports in [portLo, portHi).
func NewRegistry(defaultDomain string, portLo, portHi int) *Registry {
	return &Registry{
		defaultDomain: defaultDomain,
		portLo:        portLo,
		portHi:        portHi,
		active:        make(map[string]struct{}),
	}
}

// Build reserves a new entrypoint and returns its URL.
//
// For HTTP, a non-empty subdomain hint is attempted exactly once and
// collides with AlreadyExists; an empty hint draws random 8-character
// subdomains. For TCP, the lowest free port in the configured range is
// taken, and exhaustion yields Internal.
func (r *Registry) Build(protocol tunnelrpc.Protocol, subdomain string) (string, error) {
	switch protocol {
	case tunnelrpc.ProtocolHTTP:
		return r.buildHTTP(subdomain)
	case tunnelrpc.ProtocolTCP:
		return r.buildTCP()
	default:
		return "", status.Errorf(codes.InvalidArgument, "unknown protocol %d", protocol)
	}
}

func (r *Registry) buildHTTP(subdomain string) (string, error) {
	if subdomain != "" {
		ep := r.vhostURL(subdomain)
		if !r.tryInsert(ep) {
			return "", status.Errorf(codes.AlreadyExists, "entrypoint %s already exists", ep)
		}
		return ep, nil
	}

	for i := 0; i < randomSubdomainAttempts; i++ {
		ep := r.vhostURL(random.String(random.SubdomainLen))
		if r.tryInsert(ep) {
			return ep, nil
		}
	}
	return "", status.Error(codes.Internal, "could not allocate a random subdomain")
}

func (r *Registry) buildTCP() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port := r.portLo; port < r.portHi; port++ {
		ep := fmt.Sprintf("tcp://0.0.0.0:%d", port)
		if _, taken := r.active[ep]; !taken {
			r.active[ep] = struct{}{}
			return ep, nil
		}
	}
	return "", status.Errorf(codes.Internal, "no free port in %d-%d", r.portLo, r.portHi)
}

func (r *Registry) vhostURL(subdomain string) string {
	return strings.ToLower("http://" + subdomain + "." + r.defaultDomain)
}

func (r *Registry) tryInsert(ep string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.active[ep]; taken {
		return false
	}
	r.active[ep] = struct{}{}
	return true
}

// Release removes ep from the set. Releasing an unknown entrypoint is a
// no-op.
func (r *Registry) Release(ep string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, ep)
}

// Active reports whether ep is currently owned.
func (r *Registry) Active(ep string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[ep]
	return ok
}
