package session

import (
	"errors"
	"fmt"
)

var (
	// ErrJoinFailed is wrapped by the ProtocolError returned when the
	// server refuses the join.
	ErrJoinFailed = errors.New("failed to join group")
	// ErrJoinTimeout is wrapped when no join response arrived in time.
	ErrJoinTimeout = errors.New("join timed out")
)

// ConnectionError reports a transport failure: dial, read, write or a frame
// that could not be decoded.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a failure signalled by the server. Message carries
// the server's diagnostic text.
type ProtocolError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: server returned error: %s", e.Op, e.Message)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// EngineError reports a media engine failure.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("media engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }
