package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"galene_stream/native/internal/domain"
)

const waitTimeout = 2 * time.Second

type inboundFrame struct {
	data []byte
	err  error
}

// fakeTransport records outbound frames and delivers scripted inbound ones.
type fakeTransport struct {
	connectErr   error
	connectCalls atomic.Int32
	closeCalls   atomic.Int32

	inbox  chan inboundFrame
	sent   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan inboundFrame, 64),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connectCalls.Add(1)
	return f.connectErr
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return domain.ErrClosed
	default:
	}
	f.sent <- data
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case in := <-f.inbox:
		return in.data, in.err
	case <-f.closed:
		return nil, domain.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closeCalls.Add(1)
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(raw string) {
	f.inbox <- inboundFrame{data: []byte(raw)}
}

func (f *fakeTransport) fail(err error) {
	f.inbox <- inboundFrame{err: err}
}

// next returns the next outbound frame decoded as a JSON object.
func (f *fakeTransport) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.sent:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

// fakeEngine counts calls and exposes the handler passed to Start.
type fakeEngine struct {
	prepareErr error
	startErr   error
	stats      string

	startCalls atomic.Int32
	stopCalls  atomic.Int32
	renegCalls atomic.Int32

	mu         sync.Mutex
	handler    domain.EngineHandler
	servers    []domain.ICEServer
	answers    []string
	candidates []domain.ICECandidate
}

func (e *fakeEngine) Prepare(ctx context.Context) error { return e.prepareErr }

func (e *fakeEngine) Start(ctx context.Context, servers []domain.ICEServer, h domain.EngineHandler) error {
	e.startCalls.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.servers = servers
	e.handler = h
	return e.startErr
}

func (e *fakeEngine) SetRemoteAnswer(sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers = append(e.answers, sdp)
	return nil
}

func (e *fakeEngine) AddRemoteICECandidate(c domain.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) RequestRenegotiation() error {
	e.renegCalls.Add(1)
	return nil
}

func (e *fakeEngine) QueryStats() (string, error) { return e.stats, nil }

func (e *fakeEngine) Stop() error {
	e.stopCalls.Add(1)
	return nil
}

func (e *fakeEngine) getHandler() domain.EngineHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

func (e *fakeEngine) getAnswers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.answers...)
}

func (e *fakeEngine) getCandidates() []domain.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ICECandidate(nil), e.candidates...)
}

type harness struct {
	s      *Session
	tr     *fakeTransport
	eng    *fakeEngine
	cancel context.CancelFunc
	result chan error
}

func newHarness(t *testing.T, eng *fakeEngine) *harness {
	t.Helper()
	if eng == nil {
		eng = &fakeEngine{}
	}
	tr := newFakeTransport()
	s := New(Config{
		Credentials: domain.Credentials{Group: "public", Username: "bot", Password: "pw"},
		JoinTimeout: waitTimeout,
	}, tr, eng)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{s: s, tr: tr, eng: eng, cancel: cancel, result: make(chan error, 1)}
	go func() { h.result <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

// join drives the session through handshake and join with the given
// joined message.
func (h *harness) join(t *testing.T, joined string) {
	t.Helper()
	hs := h.tr.next(t)
	require.Equal(t, "handshake", hs["type"])
	h.tr.deliver(`{"type":"handshake","version":["1"]}`)

	join := h.tr.next(t)
	require.Equal(t, "join", join["type"])
	h.tr.deliver(joined)
}

func (h *harness) joinAndStart(t *testing.T) {
	t.Helper()
	h.join(t, `{"type":"joined","kind":"join","group":"public"}`)
	require.Eventually(t, func() bool { return h.eng.getHandler() != nil }, waitTimeout, 5*time.Millisecond)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
		return nil
	}
}

// assertSilent checks that nothing is written before the reply to a ping.
func (h *harness) assertSilent(t *testing.T) {
	t.Helper()
	h.tr.deliver(`{"type":"ping"}`)
	require.Equal(t, "pong", h.tr.next(t)["type"])
}
