package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galene_stream/native/internal/domain"
	"galene_stream/native/internal/protocol"
)

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), a)
	assert.NotEqual(t, a, b)
}

func TestSession_HandshakeAndJoinMessages(t *testing.T) {
	h := newHarness(t, nil)

	hs := h.tr.next(t)
	assert.Equal(t, "handshake", hs["type"])
	assert.Equal(t, h.s.ID(), hs["id"])
	assert.Equal(t, []any{"1"}, hs["version"])
	h.tr.deliver(`{"type":"handshake"}`)

	join := h.tr.next(t)
	assert.Equal(t, map[string]any{
		"type":     "join",
		"kind":     "join",
		"group":    "public",
		"username": "bot",
		"password": "pw",
	}, join)
}

func TestSession_JoinNormalizesICEServers(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t, `{"type":"joined","kind":"join","rtcConfiguration":{"iceServers":[
		{"urls":["turn:1.2.3.4:3478"],"username":"u","credential":"c"}]}}`)

	require.Eventually(t, func() bool { return h.eng.startCalls.Load() == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, Joined, h.s.State())

	servers := h.s.ICEServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "turn://u:c@1.2.3.4:3478", servers[0].URI)
}

func TestSession_JoinWithoutRTCConfiguration(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	assert.Empty(t, h.s.ICEServers())
	assert.Equal(t, int32(1), h.eng.startCalls.Load())
}

func TestSession_JoinIgnoresPresenceMessages(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.next(t)
	h.tr.deliver(`{"type":"handshake"}`)
	h.tr.next(t)

	h.tr.deliver(`{"type":"user","kind":"add","id":"other","username":"alice"}`)
	h.tr.deliver(`{"type":"chat","value":"hello"}`)
	h.tr.deliver(`{"type":"joined","kind":"join"}`)

	require.Eventually(t, func() bool { return h.eng.startCalls.Load() == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestSession_JoinRefusedNeverStartsEngine(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t, `{"type":"joined","kind":"fail","value":"not authorised"}`)

	err := h.wait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJoinFailed)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "not authorised", perr.Message)

	assert.Equal(t, int32(0), h.eng.startCalls.Load())
	assert.Equal(t, int32(1), h.eng.stopCalls.Load())
	assert.Equal(t, Closed, h.s.State())
}

func TestSession_JoinTimeout(t *testing.T) {
	tr := newFakeTransport()
	eng := &fakeEngine{}
	s := New(Config{Credentials: domain.Credentials{Group: "g", Username: "u"}, JoinTimeout: 50 * time.Millisecond}, tr, eng)

	result := make(chan error, 1)
	go func() { result <- s.Run(context.Background()) }()
	tr.next(t)
	tr.deliver(`{"type":"handshake"}`)
	tr.next(t)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrJoinTimeout)
		var cerr *ConnectionError
		assert.ErrorAs(t, err, &cerr)
	case <-time.After(waitTimeout):
		t.Fatal("join did not time out")
	}
	assert.Equal(t, int32(0), eng.startCalls.Load())
}

func TestSession_PrepareFailureSkipsSignaling(t *testing.T) {
	tr := newFakeTransport()
	eng := &fakeEngine{prepareErr: errors.New("no such input")}
	s := New(Config{}, tr, eng)

	err := s.Run(context.Background())

	var eerr *EngineError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, "prepare", eerr.Op)
	assert.Equal(t, int32(0), tr.connectCalls.Load())
	assert.Equal(t, int32(1), eng.stopCalls.Load())
	assert.Equal(t, Closed, s.State())
}

func TestSession_ConnectFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errors.New("connection refused")
	s := New(Config{}, tr, &fakeEngine{})

	err := s.Run(context.Background())

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "connect", cerr.Op)
}

func TestSession_PingAnsweredWithoutTransition(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	tr := newFakeTransport()
	eng := &fakeEngine{}
	s := New(Config{Credentials: domain.Credentials{Group: "g", Username: "u"}}, tr, eng,
		WithStateHook(func(_, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		}))
	h := &harness{s: s, tr: tr, eng: eng, result: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { h.result <- s.Run(ctx) }()
	h.joinAndStart(t)

	mu.Lock()
	before := len(transitions)
	mu.Unlock()

	tr.deliver(`{"type":"ping"}`)
	assert.Equal(t, map[string]any{"type": "pong"}, tr.next(t))

	select {
	case extra := <-tr.sent:
		t.Fatalf("unexpected second message %s", extra)
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	assert.Equal(t, before, len(transitions))
	mu.Unlock()
	assert.Equal(t, Joined, s.State())
}

func TestSession_AbortSendsCloseAndTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.tr.deliver(`{"type":"abort","id":"X"}`)
	assert.Equal(t, map[string]any{"type": "close", "id": "X"}, h.tr.next(t))

	require.NoError(t, h.wait(t))
	assert.Equal(t, Closed, h.s.State())
	assert.Equal(t, int32(1), h.eng.stopCalls.Load())
	assert.Equal(t, int32(1), h.tr.closeCalls.Load())
}

func TestSession_UserMessageErrorIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.tr.deliver(`{"type":"usermessage","kind":"warning","value":"be nice"}`)
	h.assertSilent(t)

	h.tr.deliver(`{"type":"usermessage","kind":"error","value":"you have been kicked"}`)
	err := h.wait(t)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "you have been kicked", perr.Message)
	assert.Equal(t, Closed, h.s.State())
	assert.Equal(t, int32(1), h.eng.stopCalls.Load())
}

func TestSession_IgnoredAndUnknownMessages(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.tr.deliver(`{"type":"user","kind":"add","id":"a"}`)
	h.tr.deliver(`{"type":"close","id":"someone-else"}`)
	h.tr.deliver(`{"type":"chathistory","value":"old"}`)
	h.tr.deliver(`{"type":"brand-new-feature"}`)
	h.tr.deliver(`{"type":"joined","kind":"change"}`)

	h.assertSilent(t)
	assert.Equal(t, Joined, h.s.State())
}

func TestSession_KickedFromGroup(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.tr.deliver(`{"type":"joined","kind":"leave","value":"group closed"}`)
	err := h.wait(t)
	assert.ErrorIs(t, err, ErrJoinFailed)
}

func TestSession_MalformedFrameIsConnectionError(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.tr.deliver(`{"kind":"no type"}`)
	err := h.wait(t)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestSession_TransportLost(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.tr.fail(errors.New("unexpected EOF"))
	err := h.wait(t)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "receive", cerr.Op)
	assert.Equal(t, int32(1), h.eng.stopCalls.Load())
}

func TestSession_CancelTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.cancel()
	err := h.wait(t)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, h.s.State())
	assert.Equal(t, int32(1), h.eng.stopCalls.Load())
}

func TestSession_StatsCommand(t *testing.T) {
	h := newHarness(t, &fakeEngine{stats: "video: 10 packets"})
	h.joinAndStart(t)

	h.tr.deliver(`{"type":"chat","source":"viewer","username":"alice","value":"!webrtc"}`)
	assert.Equal(t, map[string]any{
		"type":     "chat",
		"source":   h.s.ID(),
		"username": "bot",
		"noecho":   true,
		"value":    "video: 10 packets",
	}, h.tr.next(t))

	h.tr.deliver(`{"type":"chat","value":"hello everyone"}`)
	h.assertSilent(t)
}

func TestSession_StatsCommandEmptyReport(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.tr.deliver(`{"type":"chat","value":"!webrtc"}`)
	h.assertSilent(t)
}

func TestSession_OutboundIDsAreStable(t *testing.T) {
	h := newHarness(t, &fakeEngine{stats: "report"})
	id := h.s.ID()

	assert.Equal(t, id, h.tr.next(t)["id"])
	h.tr.deliver(`{"type":"handshake"}`)
	h.tr.next(t)
	h.tr.deliver(`{"type":"joined","kind":"join"}`)
	require.Eventually(t, func() bool { return h.eng.getHandler() != nil }, waitTimeout, 5*time.Millisecond)
	handler := h.eng.getHandler()

	errs := make(chan error, 2)
	go func() { errs <- handler.OnLocalOffer("v=0 offer") }()
	offer := h.tr.next(t)
	require.NoError(t, <-errs)
	assert.Equal(t, "offer", offer["type"])
	assert.Equal(t, id, offer["id"])
	assert.Equal(t, id, offer["source"])
	assert.Equal(t, "bot", offer["username"])
	assert.Equal(t, "video", offer["label"])
	assert.Equal(t, "v=0 offer", offer["sdp"])

	go func() { errs <- handler.OnLocalICECandidate(domain.ICECandidate{Candidate: "candidate:1", SDPMLineIndex: 1}) }()
	ice := h.tr.next(t)
	require.NoError(t, <-errs)
	assert.Equal(t, id, ice["id"])
	assert.Equal(t, map[string]any{"candidate": "candidate:1", "sdpMLineIndex": float64(1)}, ice["candidate"])

	h.tr.deliver(`{"type":"chat","value":"!webrtc"}`)
	assert.Equal(t, id, h.tr.next(t)["source"])
}

func TestSession_RemoteAnswerAndCandidates(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.tr.deliver(`{"type":"ice","id":"` + h.s.ID() + `","candidate":{"candidate":"candidate:2","sdpMLineIndex":1}}`)
	h.tr.deliver(`{"type":"answer","id":"` + h.s.ID() + `","sdp":"v=0 answer"}`)
	h.tr.deliver(`{"type":"answer","id":"other-stream","sdp":"ignored"}`)
	h.assertSilent(t)

	assert.Equal(t, []string{"v=0 answer"}, h.eng.getAnswers())
	assert.Equal(t, []domain.ICECandidate{{Candidate: "candidate:2", SDPMLineIndex: 1}}, h.eng.getCandidates())
}

func TestSession_RenegotiationIsSerialized(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.tr.deliver(`{"type":"renegotiate"}`)
	h.tr.deliver(`{"type":"renegotiate"}`)
	h.assertSilent(t)

	assert.Equal(t, int32(1), h.eng.renegCalls.Load())
	assert.Equal(t, Negotiating, h.s.State())

	errs := make(chan error, 1)
	go func() { errs <- h.eng.getHandler().OnLocalOffer("offer 1") }()
	assert.Equal(t, "offer 1", h.tr.next(t)["sdp"])
	require.NoError(t, <-errs)

	require.Eventually(t, func() bool { return h.eng.renegCalls.Load() == 2 }, waitTimeout, 5*time.Millisecond)

	go func() { errs <- h.eng.getHandler().OnLocalOffer("offer 2") }()
	assert.Equal(t, "offer 2", h.tr.next(t)["sdp"])
	require.NoError(t, <-errs)

	h.tr.deliver(`{"type":"answer","sdp":"answer 2"}`)
	h.assertSilent(t)
	assert.Equal(t, Joined, h.s.State())
	assert.Equal(t, int32(2), h.eng.renegCalls.Load())
}

func TestSession_EngineNegotiationNeeded(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)

	h.eng.getHandler().OnNegotiationNeeded()
	require.Eventually(t, func() bool { return h.eng.renegCalls.Load() == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, Negotiating, h.s.State())
}

func TestSession_CallbacksAfterCloseReturnErrClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.joinAndStart(t)
	handler := h.eng.getHandler()

	h.cancel()
	h.wait(t)

	assert.ErrorIs(t, handler.OnLocalOffer("late"), domain.ErrClosed)
	assert.ErrorIs(t, handler.OnLocalICECandidate(domain.ICECandidate{Candidate: "late"}), domain.ErrClosed)
}

func TestSession_RunTwice(t *testing.T) {
	s := New(Config{}, newFakeTransport(), &fakeEngine{prepareErr: errors.New("x")})
	require.Error(t, s.Run(context.Background()))
	assert.ErrorContains(t, s.Run(context.Background()), "session is closed")
}
