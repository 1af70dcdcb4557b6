package client

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/status"
)

// ErrDisconnect marks a control stream that ended mid-flight. The
// client does not reconnect; it exits with this reason.
var ErrDisconnect = errors.New("remote server disconnect")

// Describe renders err the way the CLI reports failures: structured RPC
// statuses as "<code>: <message>", everything else verbatim.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrDisconnect) {
		return ErrDisconnect.Error()
	}
	if s, ok := status.FromError(err); ok {
		return fmt.Sprintf("%s: %s", s.Code(), s.Message())
	}
	return err.Error()
}
