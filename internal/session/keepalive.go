package session

import (
	"context"

	"galene_stream/native/internal/protocol"
)

// handlePing answers a liveness probe. The server closes connections that
// stay silent, so the reply goes out before anything else is dispatched.
func (s *Session) handlePing(ctx context.Context) error {
	return s.send(ctx, protocol.Pong{})
}
