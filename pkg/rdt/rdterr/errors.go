// Package rdterr names the error kinds a Session can surface, per spec §7.
// Each kind is a distinct type so callers can use errors.As to branch on it
// (to pick a CLI exit code, or to decide whether a failure is local-only vs.
// something that must be reported to the peer as ERR).
package rdterr

import "fmt"

// CodecError wraps a malformed or corrupted packet. These are never
// surfaced to a peer or to the caller of a transfer operation: the policy
// is drop-and-let-the-retransmit-timer-recover. The type exists so internal
// logging can distinguish it from other failure modes.
type CodecError struct {
	Err error
}

func (e CodecError) Error() string { return fmt.Sprintf("codec error: %v", e.Err) }
func (e CodecError) Unwrap() error { return e.Err }

// HandshakeFailed means SYN retries were exhausted without a SYN|ACK.
type HandshakeFailed struct {
	Reason string
}

func (e HandshakeFailed) Error() string { return "handshake failed: " + e.Reason }

// PeerError means the peer sent an ERR packet; Reason is its payload.
type PeerError struct {
	Reason string
}

func (e PeerError) Error() string { return "peer reported error: " + e.Reason }

// PeerGone means no packet arrived from the peer within MaxIdle.
type PeerGone struct{}

func (e PeerGone) Error() string { return "peer is gone (idle timeout)" }

// LocalIO wraps a FileSource/FileSink failure. The session aborts and sends
// ERR to the peer when this occurs.
type LocalIO struct {
	Err error
}

func (e LocalIO) Error() string { return fmt.Sprintf("local I/O error: %v", e.Err) }
func (e LocalIO) Unwrap() error { return e.Err }

// ProtocolViolation means a flag combination was impossible for the
// session's current state (e.g. a stray SYN reaching an ESTABLISHED session).
type ProtocolViolation struct {
	Reason string
}

func (e ProtocolViolation) Error() string { return "protocol violation: " + e.Reason }
