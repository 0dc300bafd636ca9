package session

import (
	"context"

	"galene_stream/native/internal/domain"
	"galene_stream/native/internal/protocol"
)

type eventKind int

const (
	eventNegotiationNeeded eventKind = iota
	eventLocalOffer
	eventLocalCandidate
)

// event is raised by the media engine and handled on the message loop.
// done, when set, receives the outcome of sending the resulting message.
type event struct {
	kind      eventKind
	sdp       string
	candidate domain.ICECandidate
	done      chan error
}

// post queues ev for the message loop and, when ev expects a reply, waits
// until the loop handed the resulting message to the transport.
func (s *Session) post(ev event) error {
	select {
	case s.events <- ev:
	case <-s.done:
		return domain.ErrClosed
	}
	if ev.done == nil {
		return nil
	}
	select {
	case err := <-ev.done:
		return err
	case <-s.done:
		return domain.ErrClosed
	}
}

// engineHandler adapts engine callbacks, which may arrive on any goroutine,
// to loop events.
type engineHandler struct {
	s *Session
}

func (h engineHandler) OnNegotiationNeeded() {
	_ = h.s.post(event{kind: eventNegotiationNeeded})
}

func (h engineHandler) OnLocalOffer(sdp string) error {
	return h.s.post(event{kind: eventLocalOffer, sdp: sdp, done: make(chan error, 1)})
}

func (h engineHandler) OnLocalICECandidate(candidate domain.ICECandidate) error {
	return h.s.post(event{kind: eventLocalCandidate, candidate: candidate, done: make(chan error, 1)})
}

func (s *Session) handleEvent(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventNegotiationNeeded:
		s.log.Debug().Msg("negotiation needed")
		s.requestNegotiation()
		return nil

	case eventLocalOffer:
		s.log.Debug().Str("sdp", ev.sdp).Msg("sending local SDP offer")
		err := s.send(ctx, protocol.Offer{
			ID:       s.id,
			Source:   s.id,
			Username: s.cfg.Credentials.Username,
			SDP:      ev.sdp,
			Label:    s.cfg.Label,
		})
		ev.done <- err
		if err != nil {
			return err
		}
		if next := s.neg.offerSent(); next {
			s.startRound()
		}
		return nil

	case eventLocalCandidate:
		s.log.Debug().Str("candidate", ev.candidate.Candidate).Msg("sending local ICE candidate")
		err := s.send(ctx, protocol.ICE{ID: s.id, Candidate: ev.candidate})
		ev.done <- err
		return err
	}
	return nil
}

// requestNegotiation starts a negotiation round, or queues one behind the
// round in flight.
func (s *Session) requestNegotiation() {
	if !s.neg.request() {
		s.log.Debug().Msg("negotiation in flight, renegotiation queued")
		return
	}
	s.startRound()
}

func (s *Session) startRound() {
	s.setState(Negotiating)
	if err := s.engine.RequestRenegotiation(); err != nil {
		s.log.Error().Err(err).Msg("create offer")
		s.neg.abandon()
		s.finishNegotiation()
	}
}

// finishNegotiation returns to Joined once nothing is outstanding.
func (s *Session) finishNegotiation() {
	if s.neg.idle() && s.State() == Negotiating {
		s.setState(Joined)
	}
}

// negotiator tracks offer/answer rounds so that at most one offer is being
// produced at a time. It is only touched from the message loop.
type negotiator struct {
	// creating is set between RequestRenegotiation and the offer being
	// sent; awaiting until the matching answer arrives.
	creating bool
	awaiting bool
	queued   bool
}

// request reports whether a new round may start now. Otherwise the request
// is queued; repeated requests collapse into one.
func (n *negotiator) request() bool {
	if n.creating {
		n.queued = true
		return false
	}
	n.creating = true
	return true
}

// offerSent closes the offer phase of the current round and reports whether
// a queued round must start.
func (n *negotiator) offerSent() bool {
	n.creating = false
	n.awaiting = true
	if n.queued {
		n.queued = false
		n.creating = true
		return true
	}
	return false
}

func (n *negotiator) answerApplied() {
	n.awaiting = false
}

func (n *negotiator) abandon() {
	n.creating = false
	n.queued = false
}

func (n *negotiator) idle() bool {
	return !n.creating && !n.awaiting && !n.queued
}
