// Package random generates the alphanumeric identifiers used across
// holepunch: 8-character subdomains, 32-character connection ids, and
// 128-character session ids.
package random

import (
	"crypto/rand"
	"fmt"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// String returns n random characters drawn uniformly from [a-zA-Z0-9].
// It panics only if the platform CSPRNG is unreadable, which is not a
// recoverable condition for this process.
func String(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("random: read system entropy: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

// Lengths of the identifiers minted by the server.
const (
	SubdomainLen = 8
	ConnIDLen    = 32
	SessionLen   = 128
)
