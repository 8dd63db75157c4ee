// Package ssh implements the bootstrap transport over SSH, with file
// transfer via SFTP. Connection errors are classified so callers can retry
// transient network failures while failing fast on bad credentials.
package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransportError wraps a transport failure with its classification.
type TransportError struct {
	// Op is the operation that failed: connect, exec, upload.
	Op string
	// Err is the underlying error.
	Err error
	// IsTemporary marks failures worth retrying (timeouts, refused or
	// reset connections, unreachable hosts).
	IsTemporary bool
	// IsAuthError marks authentication and authorization failures, which
	// are never retried.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying.
func (e *TransportError) Temporary() bool { return e.IsTemporary }

// AuthFailure reports whether the failure was an authentication error.
func (e *TransportError) AuthFailure() bool { return e.IsAuthError }

// classifyConnectError wraps a connection failure, deciding whether it is
// temporary or an authentication problem.
func classifyConnectError(err error) *TransportError {
	te := &TransportError{Op: "connect", Err: err}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "handshake failed: ssh: ") {
		te.IsAuthError = true
		return te
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		te.IsTemporary = true
		return te
	}
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "i/o timeout") {
		te.IsTemporary = true
	}
	return te
}
