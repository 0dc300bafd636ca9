package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"galene_stream/native/internal/domain"
)

// ErrMalformed is returned for frames that are not JSON objects carrying a
// type field.
var ErrMalformed = errors.New("malformed message")

// wireMessage is the flat JSON envelope shared by all message types.
type wireMessage struct {
	Type             string            `json:"type"`
	Kind             string            `json:"kind,omitempty"`
	ID               string            `json:"id,omitempty"`
	Source           string            `json:"source,omitempty"`
	Username         string            `json:"username,omitempty"`
	Password         *string           `json:"password,omitempty"`
	Group            string            `json:"group,omitempty"`
	Version          []string          `json:"version,omitempty"`
	SDP              string            `json:"sdp,omitempty"`
	Label            string            `json:"label,omitempty"`
	Candidate        *wireCandidate    `json:"candidate,omitempty"`
	NoEcho           bool              `json:"noecho,omitempty"`
	Value            json.RawMessage   `json:"value,omitempty"`
	RTCConfiguration *rtcConfiguration `json:"rtcConfiguration,omitempty"`
}

type wireCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type rtcConfiguration struct {
	ICEServers []iceServer `json:"iceServers,omitempty"`
}

type iceServer struct {
	URLs       stringList `json:"urls"`
	Username   string     `json:"username,omitempty"`
	Credential string     `json:"credential,omitempty"`
}

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls: %w", err)
	}
	*l = many
	return nil
}

// Decode parses a frame into its message type.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch w.Type {
	case TypeHandshake:
		return Handshake{ID: w.ID, Version: w.Version}, nil
	case TypeJoin:
		j := Join{Kind: w.Kind, Group: w.Group, Username: w.Username}
		if w.Password != nil {
			j.Password = *w.Password
		}
		return j, nil
	case TypeJoined:
		j := Joined{Kind: w.Kind, Group: w.Group, Username: w.Username, Value: valueText(w.Value)}
		if w.RTCConfiguration != nil {
			for _, s := range w.RTCConfiguration.ICEServers {
				j.ICEServers = append(j.ICEServers, domain.ICEServerConfig{
					URLs:       s.URLs,
					Username:   s.Username,
					Credential: s.Credential,
				})
			}
		}
		return j, nil
	case TypeOffer:
		return Offer{ID: w.ID, Source: w.Source, Username: w.Username, SDP: w.SDP, Label: w.Label}, nil
	case TypeAnswer:
		return Answer{ID: w.ID, SDP: w.SDP}, nil
	case TypeICE:
		m := ICE{ID: w.ID}
		if w.Candidate != nil {
			m.Candidate.Candidate = w.Candidate.Candidate
			if w.Candidate.SDPMLineIndex != nil {
				m.Candidate.SDPMLineIndex = *w.Candidate.SDPMLineIndex
			}
		}
		return m, nil
	case TypeRenegotiate:
		return Renegotiate{ID: w.ID}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeAbort:
		return Abort{ID: w.ID}, nil
	case TypeClose:
		return Close{ID: w.ID}, nil
	case TypeUserMessage:
		return UserMessage{Kind: w.Kind, Source: w.Source, Username: w.Username, Value: valueText(w.Value)}, nil
	case TypeChat:
		return Chat{Source: w.Source, Username: w.Username, NoEcho: w.NoEcho, Value: valueText(w.Value)}, nil
	case TypeUser:
		return User{Kind: w.Kind, ID: w.ID, Username: w.Username}, nil
	case TypeChatHistory:
		return ChatHistory{Source: w.Source, Username: w.Username, Value: valueText(w.Value)}, nil
	default:
		return Unknown{Name: w.Type, Raw: append([]byte(nil), data...)}, nil
	}
}

// Encode serializes a message with its type discriminator.
func Encode(m Message) ([]byte, error) {
	if u, ok := m.(Unknown); ok {
		if len(u.Raw) == 0 {
			return nil, fmt.Errorf("encode %q: no payload", u.Name)
		}
		return u.Raw, nil
	}
	data, err := json.Marshal(m.wire())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return data, nil
}

// valueText renders a value field as text. Strings are unquoted, anything
// else keeps its JSON form.
func valueText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func stringValue(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func (m Handshake) wire() wireMessage {
	return wireMessage{Type: TypeHandshake, ID: m.ID, Version: m.Version}
}

func (m Join) wire() wireMessage {
	password := m.Password
	return wireMessage{
		Type:     TypeJoin,
		Kind:     m.Kind,
		Group:    m.Group,
		Username: m.Username,
		Password: &password,
	}
}

func (m Joined) wire() wireMessage {
	w := wireMessage{Type: TypeJoined, Kind: m.Kind, Group: m.Group, Username: m.Username}
	if m.Value != "" {
		w.Value = stringValue(m.Value)
	}
	if len(m.ICEServers) > 0 {
		w.RTCConfiguration = &rtcConfiguration{}
		for _, s := range m.ICEServers {
			w.RTCConfiguration.ICEServers = append(w.RTCConfiguration.ICEServers, iceServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	return w
}

func (m Offer) wire() wireMessage {
	return wireMessage{
		Type:     TypeOffer,
		ID:       m.ID,
		Source:   m.Source,
		Username: m.Username,
		SDP:      m.SDP,
		Label:    m.Label,
	}
}

func (m Answer) wire() wireMessage {
	return wireMessage{Type: TypeAnswer, ID: m.ID, SDP: m.SDP}
}

func (m ICE) wire() wireMessage {
	index := m.Candidate.SDPMLineIndex
	return wireMessage{
		Type: TypeICE,
		ID:   m.ID,
		Candidate: &wireCandidate{
			Candidate:     m.Candidate.Candidate,
			SDPMLineIndex: &index,
		},
	}
}

func (m Renegotiate) wire() wireMessage { return wireMessage{Type: TypeRenegotiate, ID: m.ID} }
func (Ping) wire() wireMessage          { return wireMessage{Type: TypePing} }
func (Pong) wire() wireMessage          { return wireMessage{Type: TypePong} }
func (m Abort) wire() wireMessage       { return wireMessage{Type: TypeAbort, ID: m.ID} }
func (m Close) wire() wireMessage       { return wireMessage{Type: TypeClose, ID: m.ID} }

func (m UserMessage) wire() wireMessage {
	return wireMessage{
		Type:     TypeUserMessage,
		Kind:     m.Kind,
		Source:   m.Source,
		Username: m.Username,
		Value:    stringValue(m.Value),
	}
}

func (m Chat) wire() wireMessage {
	return wireMessage{
		Type:     TypeChat,
		Source:   m.Source,
		Username: m.Username,
		NoEcho:   m.NoEcho,
		Value:    stringValue(m.Value),
	}
}

func (m User) wire() wireMessage {
	return wireMessage{Type: TypeUser, Kind: m.Kind, ID: m.ID, Username: m.Username}
}

func (m ChatHistory) wire() wireMessage {
	return wireMessage{
		Type:     TypeChatHistory,
		Source:   m.Source,
		Username: m.Username,
		Value:    stringValue(m.Value),
	}
}

func (m Unknown) wire() wireMessage { return wireMessage{Type: m.Name} }
