// Package errkind defines the narrow, typed error result used across
// the HTTP/1.1 client and HTTP/3 server engines, in place of ad hoc
// exceptions at callback boundaries.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an engine-level failure.
type Kind int

const (
	// Config marks a configuration error reported synchronously with
	// no side effects (bad URL, unsupported scheme, ...).
	Config Kind = iota
	// Exhaustion marks resource exhaustion (allocation failure); the
	// affected stream/task is torn down and not reused.
	Exhaustion
	// Timeout marks a phase-classified timeout (connect, TLS setup,
	// write-readiness, overall task).
	Timeout
	// Protocol marks malformed wire data or a forbidden operation.
	Protocol
	// PeerReset marks a QUIC STOP_SENDING/RESET_STREAM from the peer.
	PeerReset
	// Transport marks a transport-level shutdown (e.g. the QUIC
	// connection itself going away mid-write).
	Transport
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Exhaustion:
		return "exhaustion"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol"
	case PeerReset:
		return "peer_reset"
	case Transport:
		return "transport"
	default:
		return "unknown"
	}
}

// Phase names a timeout's phase, used both for Kind==Timeout errors
// and for the client log's "cause" column.
type Phase string

const (
	PhaseNone         Phase = "ok"
	PhaseConnect      Phase = "connecttimeout"
	PhaseWrite        Phase = "writetimeout"
	PhaseTLSSetup     Phase = "tlssetuptimeout"
	PhaseTLSHandshake Phase = "tlsconnecttimeout"
	PhaseTask         Phase = "tasktimeout"
	PhaseError        Phase = "error"
)

// Error is the engine's error type: a Kind, a short message, an
// optional Phase (meaningful only for Kind==Timeout), and a wrapped
// cause.
type Error struct {
	Kind    Kind
	Phase   Phase
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is against a sentinel *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

func ConfigError(msg string, cause error) *Error     { return newErr(Config, msg, cause) }
func ExhaustionError(msg string, cause error) *Error { return newErr(Exhaustion, msg, cause) }
func ProtocolError(msg string, cause error) *Error   { return newErr(Protocol, msg, cause) }
func PeerResetError(msg string, cause error) *Error  { return newErr(PeerReset, msg, cause) }
func TransportError(msg string, cause error) *Error  { return newErr(Transport, msg, cause) }

// TimeoutError builds a Kind==Timeout error tagged with the phase that
// expired; Phase doubles as the ClientLog "cause" column.
func TimeoutError(phase Phase, msg string, cause error) *Error {
	return &Error{Kind: Timeout, Phase: phase, Message: msg, Cause: cause}
}

// LogCause returns the client-log cause for the error: the phase of a
// timeout, "error" for every other kind.
func (e *Error) LogCause() Phase {
	if e.Kind == Timeout {
		return e.Phase
	}
	return PhaseError
}
