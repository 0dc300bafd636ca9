package domain

import "context"

// StatusFetcher retrieves the public description of a group.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, groupURL string) (*GroupStatus, error)
}

// Transport is a duplex, ordered, message-oriented channel to the server.
type Transport interface {
	Connect(ctx context.Context) error
	// Send blocks until the frame has been handed to the underlying
	// connection. It returns ErrClosed once the transport is torn down.
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// EngineHandler receives events raised by a MediaEngine. Calls may come from
// any goroutine and block until the resulting protocol message was sent.
type EngineHandler interface {
	OnNegotiationNeeded()
	OnLocalOffer(sdp string) error
	OnLocalICECandidate(candidate ICECandidate) error
}

// MediaEngine owns encoding and media transport for one published stream.
type MediaEngine interface {
	// Prepare acquires inputs. It runs before any signaling so a session
	// that cannot carry media fails early.
	Prepare(ctx context.Context) error
	Start(ctx context.Context, iceServers []ICEServer, handler EngineHandler) error
	SetRemoteAnswer(sdp string) error
	AddRemoteICECandidate(candidate ICECandidate) error
	// RequestRenegotiation starts a new offer. The offer is delivered to
	// EngineHandler.OnLocalOffer once the local description is set.
	RequestRenegotiation() error
	QueryStats() (string, error)
	Stop() error
}
