// Package protocol implements the JSON messages exchanged with a Galène
// server over the signaling channel.
//
// Frames are parsed once at the transport boundary into one of the message
// types below; everything past Decode switches on Go types, not strings.
package protocol

import "galene_stream/native/internal/domain"

// Message type discriminators.
const (
	TypeHandshake   = "handshake"
	TypeJoin        = "join"
	TypeJoined      = "joined"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeICE         = "ice"
	TypeRenegotiate = "renegotiate"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeAbort       = "abort"
	TypeClose       = "close"
	TypeUserMessage = "usermessage"
	TypeChat        = "chat"
	TypeUser        = "user"
	TypeChatHistory = "chathistory"
)

// Kinds used by join, joined and usermessage.
const (
	KindJoin   = "join"
	KindFail   = "fail"
	KindChange = "change"
	KindLeave  = "leave"
	KindError  = "error"
)

// ProtocolVersions is announced in the handshake.
var ProtocolVersions = []string{"1"}

// Message is one decoded protocol frame. The set of implementations is
// closed.
type Message interface {
	Type() string
	wire() wireMessage
}

type Handshake struct {
	ID      string
	Version []string
}

type Join struct {
	Kind     string
	Group    string
	Username string
	Password string
}

// Joined is the server's answer to Join, and later notifications about
// group membership changes.
type Joined struct {
	Kind       string
	Group      string
	Username   string
	Value      string
	ICEServers []domain.ICEServerConfig
}

type Offer struct {
	ID       string
	Source   string
	Username string
	SDP      string
	Label    string
}

type Answer struct {
	ID  string
	SDP string
}

type ICE struct {
	ID        string
	Candidate domain.ICECandidate
}

type Renegotiate struct {
	ID string
}

type Ping struct{}

type Pong struct{}

// Abort asks the client to stop publishing stream ID.
type Abort struct {
	ID string
}

type Close struct {
	ID string
}

type UserMessage struct {
	Kind     string
	Source   string
	Username string
	Value    string
}

type Chat struct {
	Source   string
	Username string
	NoEcho   bool
	Value    string
}

type User struct {
	Kind     string
	ID       string
	Username string
}

type ChatHistory struct {
	Source   string
	Username string
	Value    string
}

// Unknown carries a frame whose type is not part of this protocol version.
type Unknown struct {
	Name string
	Raw  []byte
}

func (Handshake) Type() string   { return TypeHandshake }
func (Join) Type() string        { return TypeJoin }
func (Joined) Type() string      { return TypeJoined }
func (Offer) Type() string       { return TypeOffer }
func (Answer) Type() string      { return TypeAnswer }
func (ICE) Type() string         { return TypeICE }
func (Renegotiate) Type() string { return TypeRenegotiate }
func (Ping) Type() string        { return TypePing }
func (Pong) Type() string        { return TypePong }
func (Abort) Type() string       { return TypeAbort }
func (Close) Type() string       { return TypeClose }
func (UserMessage) Type() string { return TypeUserMessage }
func (Chat) Type() string        { return TypeChat }
func (User) Type() string        { return TypeUser }
func (ChatHistory) Type() string { return TypeChatHistory }
func (u Unknown) Type() string   { return u.Name }
