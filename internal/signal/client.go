package signal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"galene_stream/native/internal/domain"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 32
	recvQueueSize = 64
)

// Options tune the WebSocket connection.
type Options struct {
	Insecure         bool
	HandshakeTimeout time.Duration
	// PingInterval enables WebSocket control pings. Zero disables them.
	PingInterval time.Duration
	Logger       zerolog.Logger
}

type outbound struct {
	data []byte
	done chan error
}

type inbound struct {
	data []byte
	err  error
}

// Client manages the WebSocket connection to the signaling server. It
// implements domain.Transport.
type Client struct {
	endpoint string
	opts     Options
	log      zerolog.Logger

	conn *websocket.Conn
	send chan outbound
	recv chan inbound

	mu        sync.Mutex
	connected bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a signaling client for a ws:// or wss:// endpoint.
func NewClient(endpoint string, opts Options) *Client {
	return &Client{
		endpoint: endpoint,
		opts:     opts,
		log:      opts.Logger.With().Str("module", "signal").Logger(),
		send:     make(chan outbound, sendQueueSize),
		recv:     make(chan inbound, recvQueueSize),
		closed:   make(chan struct{}),
	}
}

// Connect dials the signaling WebSocket and starts the read and write pumps.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("parse signal server: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signal server %q: unsupported scheme %q", c.endpoint, u.Scheme)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return domain.ErrClosed
	default:
	}
	if c.connected {
		return errors.New("already connected")
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	if c.opts.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-out
	}

	c.log.Info().Str("endpoint", u.String()).Msg("connecting")
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn
	c.connected = true

	go c.readPump()
	go c.writePump()
	if c.opts.PingInterval > 0 {
		go c.pingLoop(c.opts.PingInterval)
	}
	return nil
}

// Send queues a text frame and waits until the write pump has written it.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		select {
		case <-c.closed:
			return domain.ErrClosed
		default:
			return domain.ErrNotConnected
		}
	}

	msg := outbound{data: data, done: make(chan error, 1)}
	select {
	case c.send <- msg:
	case <-c.closed:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.done:
		return err
	case <-c.closed:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next text frame in arrival order.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	select {
	case in, ok := <-c.recv:
		if !ok {
			return nil, domain.ErrClosed
		}
		return in.data, in.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the WebSocket connection. It is safe to call repeatedly.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		c.log.Info().Msg("closing connection")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = conn.Close()
	})
	return err
}

func (c *Client) readPump() {
	defer close(c.recv)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.log.Error().Err(err).Msg("read error")
			select {
			case c.recv <- inbound{err: fmt.Errorf("websocket read: %w", err)}:
			case <-c.closed:
			}
			return
		}

		c.log.Debug().Str("frame", string(data)).Msg("<<<")
		select {
		case c.recv <- inbound{data: data}:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			c.log.Debug().Str("frame", string(msg.data)).Msg(">>>")
			err := c.write(websocket.TextMessage, msg.data)
			if err != nil {
				c.log.Error().Err(err).Msg("write error")
				err = fmt.Errorf("websocket write: %w", err)
			}
			msg.done <- err
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warn().Err(err).Msg("ping error")
				}
				return
			}
		}
	}
}
