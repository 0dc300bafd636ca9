package domain

import "errors"

var (
	// ErrClosed is returned by a transport or engine that was torn down.
	ErrClosed = errors.New("closed")
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("not connected")
)
