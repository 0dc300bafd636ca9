// Package session drives one publishing participant through a Galène
// group: handshake, join, media negotiation, steady state and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"galene_stream/native/internal/domain"
	"galene_stream/native/internal/protocol"
)

const (
	// DefaultLabel is announced with every offer.
	DefaultLabel = "video"
	// DefaultStatsCommand is the chat message that requests a stats report.
	DefaultStatsCommand = "!webrtc"

	eventQueueSize = 16
)

// Config holds the parameters of one session.
type Config struct {
	Credentials domain.Credentials
	// JoinTimeout bounds the handshake and join exchange. Zero waits for
	// as long as the transport allows.
	JoinTimeout  time.Duration
	Label        string
	StatsCommand string
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger used by the session.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithStateHook registers fn to be called after every state transition.
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session is the signaling state machine for one published stream.
type Session struct {
	id        string
	cfg       Config
	transport domain.Transport
	engine    domain.MediaEngine
	log       zerolog.Logger
	onState   func(from, to State)

	mu         sync.Mutex
	state      State
	iceServers []domain.ICEServer

	// neg is owned by the message loop.
	neg negotiator

	events   chan event
	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
}

// New creates a session. The transport must not be connected yet; the
// engine is prepared, started and stopped by Run.
func New(cfg Config, transport domain.Transport, engine domain.MediaEngine, opts ...Option) *Session {
	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}
	if cfg.StatsCommand == "" {
		cfg.StatsCommand = DefaultStatsCommand
	}

	s := &Session{
		id:        NewID(),
		cfg:       cfg,
		transport: transport,
		engine:    engine,
		log:       zerolog.Nop(),
		events:    make(chan event, eventQueueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("module", "session").Str("id", s.id).Logger()
	return s
}

// ID returns the session id, used as stream id and source of every message.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ICEServers returns the relay servers announced at join time.
func (s *Session) ICEServers() []domain.ICEServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ICEServer(nil), s.iceServers...)
}

// Run connects, joins the group, publishes media and serves the message loop
// until the server aborts the stream, a fatal error occurs or ctx is
// cancelled. Teardown always runs before Run returns. A server abort returns
// nil; cancellation returns the context error.
func (s *Session) Run(ctx context.Context) error {
	if st := s.State(); st != Disconnected {
		return fmt.Errorf("session is %s", st)
	}
	defer s.teardown()

	if err := s.engine.Prepare(ctx); err != nil {
		return &EngineError{Op: "prepare", Err: err}
	}

	s.setState(Connecting)
	if err := s.transport.Connect(ctx); err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}

	joined, err := s.joinGroup(ctx)
	if err != nil {
		return err
	}

	servers := domain.NormalizeICEServers(joined.ICEServers)
	s.mu.Lock()
	s.iceServers = servers
	s.mu.Unlock()
	s.setState(Joined)
	s.log.Info().Int("ice_servers", len(servers)).Msg("joined group")

	if err := s.engine.Start(ctx, servers, engineHandler{s}); err != nil {
		return &EngineError{Op: "start", Err: err}
	}
	s.log.Info().Msg("waiting for incoming stream")

	return s.loop(ctx)
}

// joinGroup runs the handshake and join exchange under the join timeout.
func (s *Session) joinGroup(ctx context.Context) (protocol.Joined, error) {
	joinCtx := ctx
	if s.cfg.JoinTimeout > 0 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, s.cfg.JoinTimeout)
		defer cancel()
	}

	s.setState(Handshaking)
	s.log.Info().Msg("handshaking")
	if err := s.send(joinCtx, protocol.Handshake{ID: s.id, Version: protocol.ProtocolVersions}); err != nil {
		return protocol.Joined{}, s.joinError(ctx, err)
	}
	if _, err := s.transport.Receive(joinCtx); err != nil {
		return protocol.Joined{}, s.joinError(ctx, &ConnectionError{Op: "handshake", Err: err})
	}

	s.setState(Joining)
	s.log.Info().Str("group", s.cfg.Credentials.Group).Msg("joining group")
	err := s.send(joinCtx, protocol.Join{
		Kind:     protocol.KindJoin,
		Group:    s.cfg.Credentials.Group,
		Username: s.cfg.Credentials.Username,
		Password: s.cfg.Credentials.Password,
	})
	if err != nil {
		return protocol.Joined{}, s.joinError(ctx, err)
	}

	for {
		data, err := s.transport.Receive(joinCtx)
		if err != nil {
			return protocol.Joined{}, s.joinError(ctx, &ConnectionError{Op: "join", Err: err})
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return protocol.Joined{}, &ConnectionError{Op: "decode", Err: err}
		}

		joined, ok := msg.(protocol.Joined)
		if !ok {
			// user presence and the like until the server answers
			s.log.Debug().Str("type", msg.Type()).Msg("ignoring message while joining")
			continue
		}
		if joined.Kind != protocol.KindJoin {
			reason := joined.Value
			if reason == "" {
				reason = "kind " + joined.Kind
			}
			return protocol.Joined{}, &ProtocolError{Op: "join", Message: reason, Err: ErrJoinFailed}
		}
		return joined, nil
	}
}

// joinError maps an expired join deadline to ErrJoinTimeout and leaves
// cancellation of the parent context untouched.
func (s *Session) joinError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectionError{Op: "join", Err: fmt.Errorf("%w after %s", ErrJoinTimeout, s.cfg.JoinTimeout)}
	}
	return err
}

type frame struct {
	msg protocol.Message
	err error
}

// loop dispatches transport frames and engine events in a single order.
func (s *Session) loop(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frame)
	go s.readFrames(readCtx, frames)

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("interrupted")
			return ctx.Err()

		case f := <-frames:
			if f.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return f.err
			}
			stop, err := s.dispatch(ctx, f.msg)
			if err != nil || stop {
				return err
			}

		case ev := <-s.events:
			if err := s.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readFrames(ctx context.Context, out chan<- frame) {
	for {
		var f frame
		data, err := s.transport.Receive(ctx)
		if err != nil {
			f.err = &ConnectionError{Op: "receive", Err: err}
		} else if f.msg, err = protocol.Decode(data); err != nil {
			f.err = &ConnectionError{Op: "decode", Err: err}
		}

		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
		if f.err != nil {
			return
		}
	}
}

// send encodes and writes one message. Writing to a torn down transport is
// logged and dropped.
func (s *Session) send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, data); err != nil {
		if errors.Is(err, domain.ErrClosed) {
			s.log.Warn().Str("type", msg.Type()).Msg("connection is closed, cannot send message")
			return nil
		}
		return &ConnectionError{Op: "send " + msg.Type(), Err: err}
	}
	return nil
}

func (s *Session) setState(next State) bool {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return true
	}
	if !prev.allowed(next) {
		s.mu.Unlock()
		s.log.Warn().Stringer("from", prev).Stringer("to", next).Msg("invalid state transition")
		return false
	}
	s.state = next
	s.mu.Unlock()

	s.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("state")
	if s.onState != nil {
		s.onState(prev, next)
	}
	return true
}

// teardown moves to Closing then Closed, releasing the engine before the
// transport. It is idempotent.
func (s *Session) teardown() {
	if !s.setState(Closing) {
		return
	}
	s.doneOnce.Do(func() { close(s.done) })

	s.stopEngine()
	if err := s.transport.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close transport")
	}
	s.setState(Closed)
	s.log.Info().Msg("session closed")
}

func (s *Session) stopEngine() {
	s.stopOnce.Do(func() {
		if err := s.engine.Stop(); err != nil && !errors.Is(err, domain.ErrClosed) {
			s.log.Warn().Err(err).Msg("stop media engine")
		}
	})
}
