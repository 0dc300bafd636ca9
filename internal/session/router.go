package session

import (
	"context"

	"galene_stream/native/internal/protocol"
)

// dispatch handles one inbound message. stop is true when the session must
// end without error.
func (s *Session) dispatch(ctx context.Context, msg protocol.Message) (stop bool, err error) {
	switch m := msg.(type) {
	case protocol.Ping:
		return false, s.handlePing(ctx)

	case protocol.Abort:
		// server wants to close our stream
		s.log.Info().Str("stream", m.ID).Msg("received abort from server")
		return true, s.send(ctx, protocol.Close{ID: m.ID})

	case protocol.Answer:
		s.handleAnswer(m)
		return false, nil

	case protocol.ICE:
		s.handleRemoteCandidate(m)
		return false, nil

	case protocol.Renegotiate:
		s.log.Debug().Msg("server requested renegotiation")
		s.requestNegotiation()
		return false, nil

	case protocol.UserMessage:
		if m.Kind == protocol.KindError {
			s.log.Error().Str("value", m.Value).Msg("server returned error")
			return true, &ProtocolError{Op: "usermessage", Message: m.Value}
		}
		s.log.Warn().Str("kind", m.Kind).Str("value", m.Value).Msg("server sent message")
		return false, nil

	case protocol.Joined:
		if m.Kind == protocol.KindLeave || m.Kind == protocol.KindFail {
			return true, &ProtocolError{Op: "joined", Message: m.Value, Err: ErrJoinFailed}
		}
		s.log.Debug().Str("kind", m.Kind).Msg("group membership update")
		return false, nil

	case protocol.Chat:
		return false, s.handleChat(ctx, m)

	case protocol.User, protocol.Close, protocol.ChatHistory:
		return false, nil

	default:
		s.log.Warn().Str("type", msg.Type()).Msg("not implemented")
		return false, nil
	}
}

func (s *Session) handleAnswer(m protocol.Answer) {
	if m.ID != "" && m.ID != s.id {
		s.log.Warn().Str("stream", m.ID).Msg("answer for unknown stream")
		return
	}
	s.log.Debug().Str("sdp", m.SDP).Msg("received SDP answer")
	if err := s.engine.SetRemoteAnswer(m.SDP); err != nil {
		s.log.Error().Err(err).Msg("set remote description")
	}
	s.neg.answerApplied()
	s.finishNegotiation()
}

func (s *Session) handleRemoteCandidate(m protocol.ICE) {
	if m.ID != "" && m.ID != s.id {
		s.log.Warn().Str("stream", m.ID).Msg("ICE candidate for unknown stream")
		return
	}
	if m.Candidate.Candidate == "" {
		s.log.Debug().Msg("ignoring empty remote ICE candidate")
		return
	}
	s.log.Debug().Str("candidate", m.Candidate.Candidate).Msg("received remote ICE candidate")
	if err := s.engine.AddRemoteICECandidate(m.Candidate); err != nil {
		s.log.Error().Err(err).Msg("add remote ICE candidate")
	}
}

// handleChat answers the stats command with a report from the engine.
func (s *Session) handleChat(ctx context.Context, m protocol.Chat) error {
	if m.Value != s.cfg.StatsCommand {
		return nil
	}
	report, err := s.engine.QueryStats()
	if err != nil {
		s.log.Warn().Err(err).Msg("query stats")
		return nil
	}
	if report == "" {
		return nil
	}
	return s.send(ctx, protocol.Chat{
		Source:   s.id,
		Username: s.cfg.Credentials.Username,
		NoEcho:   true,
		Value:    report,
	})
}
