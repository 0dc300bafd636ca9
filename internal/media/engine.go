// Package media publishes local inputs over a pion PeerConnection.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"galene_stream/native/internal/domain"
)

// Options configure an Engine.
type Options struct {
	// Inputs are udp://host:port?codec=name URLs, file:// URLs or paths.
	Inputs []string
	// Bitrate caps outbound video in bits per second. Zero leaves offers
	// untouched.
	Bitrate int
	Logger  zerolog.Logger
}

// Engine implements domain.MediaEngine on pion/webrtc.
type Engine struct {
	opts Options
	log  zerolog.Logger

	api     *pion.API
	sources []source

	mu            sync.Mutex
	pc            *pion.PeerConnection
	handler       domain.EngineHandler
	offerSent     bool
	localPending  []domain.ICECandidate
	remotePending []domain.ICECandidate
	stopped       bool

	connected     chan struct{}
	connectedOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine for the given inputs.
func NewEngine(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:      opts,
		log:       opts.Logger.With().Str("module", "media").Logger(),
		connected: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Prepare opens every input and builds the pion API.
func (e *Engine) Prepare(ctx context.Context) error {
	if len(e.opts.Inputs) == 0 {
		return errors.New("no input")
	}
	if e.api != nil {
		return errors.New("engine already prepared")
	}

	fail := func(err error) error {
		e.closeSources()
		e.sources = nil
		return err
	}
	for i, raw := range e.opts.Inputs {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		spec, err := parseInput(raw)
		if err != nil {
			return fail(err)
		}
		src, err := openSource(spec, i, e.log)
		if err != nil {
			return fail(err)
		}
		e.sources = append(e.sources, src)
	}

	api, err := newAPI(e.opts.Logger)
	if err != nil {
		return fail(err)
	}
	e.api = api
	return nil
}

func newAPI(log zerolog.Logger) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	reportFactory, err := report.NewSenderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create sender reports: %w", err)
	}
	i.Add(reportFactory)

	settings := pion.SettingEngine{}
	settings.LoggerFactory = loggerFactory{log: log.With().Str("module", "pion").Logger()}

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(settings),
	), nil
}

// iceServers converts relay servers to pion's form. TURN URLs without
// credentials are rejected by pion, so they are skipped.
func iceServers(servers []domain.ICEServer, log zerolog.Logger) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		if strings.HasPrefix(s.URL, "turn") && (s.Username == "" || s.Credential == "") {
			log.Warn().Str("url", s.URL).Msg("skipping relay server without credentials")
			continue
		}
		out = append(out, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// Start creates the PeerConnection and adds one track per input. Offers are
// created on RequestRenegotiation.
func (e *Engine) Start(ctx context.Context, servers []domain.ICEServer, handler domain.EngineHandler) error {
	if e.api == nil {
		return errors.New("engine not prepared")
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return domain.ErrClosed
	}
	if e.pc != nil {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.mu.Unlock()

	pc, err := e.api.NewPeerConnection(pion.Configuration{
		ICEServers:   iceServers(servers, e.log),
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(e.onICECandidate)
	pc.OnNegotiationNeeded(func() {
		e.log.Debug().Msg("negotiation needed")
		handler.OnNegotiationNeeded()
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		e.log.Info().Str("state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		e.log.Info().Str("state", state.String()).Msg("peer connection state")
		if state == pion.PeerConnectionStateConnected {
			e.connectedOnce.Do(func() { close(e.connected) })
		}
	})

	for _, src := range e.sources {
		sender, err := pc.AddTrack(src.Track())
		if err != nil {
			pc.Close()
			return fmt.Errorf("add track %s: %w", src.Name(), err)
		}
		e.wg.Add(1)
		go e.drainRTCP(sender)
	}

	e.mu.Lock()
	e.pc = pc
	e.handler = handler
	e.mu.Unlock()

	for _, src := range e.sources {
		e.wg.Add(1)
		go e.pump(src)
	}
	return nil
}

// drainRTCP reads incoming RTCP so the interceptors see it.
func (e *Engine) drainRTCP(sender *pion.RTPSender) {
	defer e.wg.Done()
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *Engine) pump(src source) {
	defer e.wg.Done()
	log := e.log.With().Str("track", src.Name()).Logger()
	if err := src.Run(e.ctx, e.connected); err != nil {
		log.Error().Err(err).Msg("input failed")
	}
}

func (e *Engine) onICECandidate(c *pion.ICECandidate) {
	if c == nil {
		e.log.Debug().Msg("ICE gathering complete")
		return
	}
	init := c.ToJSON()
	candidate := domain.ICECandidate{Candidate: init.Candidate}
	if init.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = *init.SDPMLineIndex
	}

	e.mu.Lock()
	if !e.offerSent {
		e.localPending = append(e.localPending, candidate)
		e.mu.Unlock()
		return
	}
	handler := e.handler
	e.mu.Unlock()

	e.sendCandidate(handler, candidate)
}

func (e *Engine) sendCandidate(handler domain.EngineHandler, candidate domain.ICECandidate) {
	if err := handler.OnLocalICECandidate(candidate); err != nil && !errors.Is(err, domain.ErrClosed) {
		e.log.Warn().Err(err).Msg("send local candidate")
	}
}

// RequestRenegotiation creates an offer in the background and hands it to
// the handler once the local description is set.
func (e *Engine) RequestRenegotiation() error {
	e.mu.Lock()
	pc, handler, stopped := e.pc, e.handler, e.stopped
	e.mu.Unlock()
	if stopped {
		return domain.ErrClosed
	}
	if pc == nil {
		return domain.ErrNotConnected
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.negotiate(pc, handler); err != nil && !errors.Is(err, domain.ErrClosed) {
			e.log.Error().Err(err).Msg("negotiation failed")
		}
	}()
	return nil
}

func (e *Engine) negotiate(pc *pion.PeerConnection, handler domain.EngineHandler) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	e.log.Debug().Msg("local SDP offer set")

	sdp, err := applyBitrate(offer.SDP, e.opts.Bitrate)
	if err != nil {
		e.log.Warn().Err(err).Msg("sending offer without bitrate limit")
		sdp = offer.SDP
	}
	if err := handler.OnLocalOffer(sdp); err != nil {
		return err
	}

	e.mu.Lock()
	e.offerSent = true
	pending := e.localPending
	e.localPending = nil
	e.mu.Unlock()
	for _, c := range pending {
		e.sendCandidate(handler, c)
	}
	return nil
}

// SetRemoteAnswer applies the server's answer and any candidates that
// arrived before it.
func (e *Engine) SetRemoteAnswer(sdp string) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return domain.ErrNotConnected
	}

	answer := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	e.log.Debug().Msg("remote SDP answer set")

	e.mu.Lock()
	pending := e.remotePending
	e.remotePending = nil
	e.mu.Unlock()
	for _, c := range pending {
		if err := addCandidate(pc, c); err != nil {
			return err
		}
	}
	return nil
}

// AddRemoteICECandidate adds a candidate, holding it back until the remote
// description is known.
func (e *Engine) AddRemoteICECandidate(candidate domain.ICECandidate) error {
	e.mu.Lock()
	pc := e.pc
	if pc == nil {
		e.mu.Unlock()
		return domain.ErrNotConnected
	}
	if pc.RemoteDescription() == nil {
		e.remotePending = append(e.remotePending, candidate)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return addCandidate(pc, candidate)
}

func addCandidate(pc *pion.PeerConnection, c domain.ICECandidate) error {
	index := c.SDPMLineIndex
	init := pion.ICECandidateInit{Candidate: c.Candidate, SDPMLineIndex: &index}
	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// QueryStats returns a human readable report, or an empty string before
// Start.
func (e *Engine) QueryStats() (string, error) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return "", nil
	}

	tracks := make([]trackStats, 0, len(e.sources))
	for _, src := range e.sources {
		c := src.Counters()
		tracks = append(tracks, trackStats{
			name:    src.Name(),
			mime:    src.Codec().MimeType,
			packets: c.packets.Load(),
			bytes:   c.bytes.Load(),
		})
	}

	var pair *pairStats
	for _, s := range pc.GetStats() {
		p, ok := s.(pion.ICECandidatePairStats)
		if !ok || !p.Nominated || p.State != pion.StatsICECandidatePairStateSucceeded {
			continue
		}
		pair = &pairStats{
			rtt:       time.Duration(p.CurrentRoundTripTime * float64(time.Second)),
			bytesSent: p.BytesSent,
		}
		break
	}

	return formatStats(pc.ConnectionState().String(), tracks, pair), nil
}

// Stop closes the PeerConnection and every input. It is safe to call
// repeatedly.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	pc := e.pc
	e.mu.Unlock()

	e.cancel()
	e.closeSources()

	var err error
	if pc != nil {
		if cerr := pc.Close(); cerr != nil {
			err = fmt.Errorf("close peer connection: %w", cerr)
		}
	}
	e.wg.Wait()
	e.log.Debug().Msg("media engine stopped")
	return err
}

func (e *Engine) closeSources() {
	for _, src := range e.sources {
		if err := src.Close(); err != nil {
			e.log.Debug().Err(err).Str("track", src.Name()).Msg("close input")
		}
	}
}
