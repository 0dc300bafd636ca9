package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

const (
	streamID        = "galene-stream"
	oggPageDuration = 20 * time.Millisecond
	defaultFrameGap = 33 * time.Millisecond
)

var codecs = map[string]pion.RTPCodecCapability{
	"vp8": {MimeType: pion.MimeTypeVP8, ClockRate: 90000},
	"vp9": {MimeType: pion.MimeTypeVP9, ClockRate: 90000},
	"av1": {MimeType: pion.MimeTypeAV1, ClockRate: 90000},
	"h264": {
		MimeType:    pion.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	},
	"opus": {MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
}

// ivfCodecs maps IVF FourCC codes to codec names.
var ivfCodecs = map[string]string{
	"VP80": "vp8",
	"VP90": "vp9",
	"AV01": "av1",
}

// counters tracks what a source wrote to its track.
type counters struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (c *counters) add(n int) {
	c.packets.Add(1)
	c.bytes.Add(uint64(n))
}

// source feeds one local track.
type source interface {
	Name() string
	Codec() pion.RTPCodecCapability
	Track() pion.TrackLocal
	Counters() *counters
	// Run pumps media until the input ends or ctx is done. connected is
	// closed once the peer connection is established.
	Run(ctx context.Context, connected <-chan struct{}) error
	Close() error
}

type inputSpec struct {
	raw    string
	scheme string
	target string
	codec  string
}

// parseInput accepts udp://host:port?codec=name, file:///path and bare
// paths. The codec of files is taken from their extension.
func parseInput(raw string) (inputSpec, error) {
	spec := inputSpec{raw: raw}
	if !strings.Contains(raw, "://") {
		spec.scheme = "file"
		spec.target = raw
	} else {
		u, err := url.Parse(raw)
		if err != nil {
			return spec, fmt.Errorf("parse input %q: %w", raw, err)
		}
		spec.scheme = u.Scheme
		switch u.Scheme {
		case "udp":
			if u.Host == "" {
				return spec, fmt.Errorf("input %q: missing host:port", raw)
			}
			spec.target = u.Host
			spec.codec = strings.ToLower(u.Query().Get("codec"))
			if spec.codec == "" {
				spec.codec = "vp8"
			}
			if _, ok := codecs[spec.codec]; !ok {
				return spec, fmt.Errorf("input %q: unsupported codec %q", raw, spec.codec)
			}
			return spec, nil
		case "file":
			spec.target = u.Path
		default:
			return spec, fmt.Errorf("input %q: unsupported scheme %q", raw, u.Scheme)
		}
	}

	switch strings.ToLower(filepath.Ext(spec.target)) {
	case ".ivf":
		spec.codec = "ivf"
	case ".ogg", ".opus":
		spec.codec = "opus"
	default:
		return spec, fmt.Errorf("input %q: unsupported file type, want .ivf, .ogg or .opus", raw)
	}
	return spec, nil
}

func kindOf(c pion.RTPCodecCapability) string {
	if strings.HasPrefix(c.MimeType, "audio/") {
		return "audio"
	}
	return "video"
}

func openSource(spec inputSpec, index int, log zerolog.Logger) (source, error) {
	switch {
	case spec.scheme == "udp":
		return openUDPSource(spec, index, log)
	case spec.codec == "ivf":
		return openIVFSource(spec, index, log)
	default:
		return openOggSource(spec, index, log)
	}
}

// udpSource forwards RTP packets received on a UDP socket.
type udpSource struct {
	name  string
	codec pion.RTPCodecCapability
	conn  *net.UDPConn
	track *pion.TrackLocalStaticRTP
	stats counters
	log   zerolog.Logger
}

func openUDPSource(spec inputSpec, index int, log zerolog.Logger) (*udpSource, error) {
	addr, err := net.ResolveUDPAddr("udp", spec.target)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", spec.target, err)
	}
	codec := codecs[spec.codec]
	name := fmt.Sprintf("%s%d", kindOf(codec), index)

	track, err := pion.NewTrackLocalStaticRTP(codec, name, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", name, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", spec.target, err)
	}
	log.Info().Str("input", spec.raw).Str("addr", conn.LocalAddr().String()).Msg("listening for RTP")

	return &udpSource{name: name, codec: codec, conn: conn, track: track, log: log}, nil
}

func (s *udpSource) Name() string                   { return s.name }
func (s *udpSource) Codec() pion.RTPCodecCapability { return s.codec }
func (s *udpSource) Track() pion.TrackLocal         { return s.track }
func (s *udpSource) Counters() *counters            { return &s.stats }
func (s *udpSource) Close() error                   { return s.conn.Close() }

func (s *udpSource) Run(ctx context.Context, _ <-chan struct{}) error {
	buf := make([]byte, 1500)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Debug().Err(err).Msg("dropping invalid RTP packet")
			continue
		}
		if err := s.track.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("write rtp: %w", err)
		}
		s.stats.add(n)
	}
}

// ivfSource plays a VP8, VP9 or AV1 IVF file at its own frame rate.
type ivfSource struct {
	name     string
	codec    pion.RTPCodecCapability
	file     *os.File
	reader   *ivfreader.IVFReader
	interval time.Duration
	track    *pion.TrackLocalStaticSample
	stats    counters
	log      zerolog.Logger
}

func openIVFSource(spec inputSpec, index int, log zerolog.Logger) (*ivfSource, error) {
	file, err := os.Open(spec.target)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", spec.target, err)
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ivf header %s: %w", spec.target, err)
	}
	codecName, ok := ivfCodecs[header.FourCC]
	if !ok {
		file.Close()
		return nil, fmt.Errorf("%s: unsupported ivf codec %q", spec.target, header.FourCC)
	}
	codec := codecs[codecName]
	name := fmt.Sprintf("video%d", index)

	track, err := pion.NewTrackLocalStaticSample(codec, name, streamID)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create %s track: %w", name, err)
	}

	interval := defaultFrameGap
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		interval = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	log.Info().Str("input", spec.raw).Str("codec", codec.MimeType).Dur("frame_interval", interval).Msg("opened ivf file")

	return &ivfSource{
		name:     name,
		codec:    codec,
		file:     file,
		reader:   reader,
		interval: interval,
		track:    track,
		log:      log,
	}, nil
}

func (s *ivfSource) Name() string                   { return s.name }
func (s *ivfSource) Codec() pion.RTPCodecCapability { return s.codec }
func (s *ivfSource) Track() pion.TrackLocal         { return s.track }
func (s *ivfSource) Counters() *counters            { return &s.stats }
func (s *ivfSource) Close() error                   { return s.file.Close() }

func (s *ivfSource) Run(ctx context.Context, connected <-chan struct{}) error {
	select {
	case <-connected:
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		frame, _, err := s.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			s.log.Info().Str("track", s.name).Msg("input finished")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read ivf frame: %w", err)
		}
		if err := s.track.WriteSample(pionmedia.Sample{Data: frame, Duration: s.interval}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
		s.stats.add(len(frame))

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// oggSource plays an Opus stream from an Ogg file, paced by page.
type oggSource struct {
	name   string
	codec  pion.RTPCodecCapability
	file   *os.File
	reader *oggreader.OggReader
	track  *pion.TrackLocalStaticSample
	stats  counters
	log    zerolog.Logger
}

func openOggSource(spec inputSpec, index int, log zerolog.Logger) (*oggSource, error) {
	file, err := os.Open(spec.target)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", spec.target, err)
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ogg header %s: %w", spec.target, err)
	}
	codec := codecs["opus"]
	name := fmt.Sprintf("audio%d", index)

	track, err := pion.NewTrackLocalStaticSample(codec, name, streamID)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create %s track: %w", name, err)
	}
	log.Info().Str("input", spec.raw).Msg("opened ogg file")

	return &oggSource{name: name, codec: codec, file: file, reader: reader, track: track, log: log}, nil
}

func (s *oggSource) Name() string                   { return s.name }
func (s *oggSource) Codec() pion.RTPCodecCapability { return s.codec }
func (s *oggSource) Track() pion.TrackLocal         { return s.track }
func (s *oggSource) Counters() *counters            { return &s.stats }
func (s *oggSource) Close() error                   { return s.file.Close() }

func (s *oggSource) Run(ctx context.Context, connected <-chan struct{}) error {
	select {
	case <-connected:
	case <-ctx.Done():
		return nil
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			s.log.Info().Str("track", s.name).Msg("input finished")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read ogg page: %w", err)
		}

		samples := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		duration := time.Duration(samples / 48000 * float64(time.Second))

		if err := s.track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
		s.stats.add(len(page))

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
