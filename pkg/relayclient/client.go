// Package relayclient is a reconnecting visitor client for the relay's
// websocket endpoint.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/model/envelope"
)

var (
	ErrNotConnected = errors.New("relay client not connected")
	ErrGaveUp       = errors.New("relay client gave up reconnecting")
	ErrEmptyMessage = errors.New("message is empty")
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ReconnectWait
	GaveUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ReconnectWait:
		return "reconnect_wait"
	case GaveUp:
		return "gave_up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Options 客户端参数。
type Options struct {
	URL          string
	MaxAttempts  int
	RetryDelay   time.Duration
	PingInterval time.Duration
	Dial         DialFunc
	Logger       *zap.Logger

	OnMessage     func(envelope.Chat)
	OnStateChange func(State)
	OnError       func(message string)
}

// Client keeps a visitor connected to the relay, reconnecting after a loss
// until MaxAttempts consecutive dials fail.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	visitorID string
	pending   *string
	failures  int

	writeMu sync.Mutex
}

// New 创建客户端，未设置的参数使用默认值。
func New(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = dialWebSocket
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		logger: opts.Logger.Named("relayclient"),
		state:  Disconnected,
	}
}

func dialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VisitorID returns the id announced by the relay on the current
// connection, or "" before the announcement.
func (c *Client) VisitorID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visitorID
}

// Run connects and keeps reconnecting until ctx is cancelled or the client
// gives up. It returns ErrGaveUp after MaxAttempts consecutive failed dials,
// otherwise ctx.Err(). A client that gave up cannot be restarted.
func (c *Client) Run(ctx context.Context) error {
	if c.State() == GaveUp {
		return ErrGaveUp
	}

	for {
		c.setState(Connecting)
		conn, err := c.opts.Dial(ctx, c.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(Disconnected)
				return ctx.Err()
			}

			c.mu.Lock()
			c.failures++
			failures := c.failures
			c.mu.Unlock()

			c.logger.Warn("dial failed",
				zap.String("url", c.opts.URL),
				zap.Int("attempt", failures),
				zap.Int("max_attempts", c.opts.MaxAttempts),
				zap.Error(err))

			if failures >= c.opts.MaxAttempts {
				c.setState(GaveUp)
				c.logger.Error("giving up reconnecting", zap.Int("attempts", failures))
				return ErrGaveUp
			}
		} else {
			c.serve(ctx, conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		c.setState(ReconnectWait)
		if !c.wait(ctx) {
			c.setState(Disconnected)
			return ctx.Err()
		}
	}
}

// Send writes a visitor chat message. It fails with ErrNotConnected unless
// the client is connected.
func (c *Client) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return c.write(envelope.Chat{Content: text, SenderRole: envelope.RoleVisitor})
}

// SendWhenConnected sends text now if connected, otherwise holds it until
// the next connection. Only the latest held message is kept.
func (c *Client) SendWhenConnected(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return c.Send(text)
	case GaveUp:
		c.mu.Unlock()
		return ErrGaveUp
	}
	c.pending = &text
	c.mu.Unlock()
	return nil
}

func (c *Client) serve(ctx context.Context, conn Conn) {
	pending := c.enterConnected(conn)
	c.logger.Info("connected", zap.String("url", c.opts.URL))

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		c.visitorID = ""
		changed := c.state != Disconnected
		c.state = Disconnected
		c.mu.Unlock()
		conn.Close()
		if changed {
			c.notifyState(Disconnected)
		}
	}()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go c.pingLoop(connCtx)

	if pending != nil {
		if err := c.Send(*pending); err != nil {
			c.logger.Warn("failed to flush pending message", zap.Error(err))
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("connection lost", zap.Error(err))
			}
			return
		}
		c.handle(data)
	}
}

// enterConnected installs conn and switches to Connected under one lock, so
// SendWhenConnected either queues before the pending message is taken or
// writes directly. It returns the message held for this connection.
func (c *Client) enterConnected(conn Conn) *string {
	c.mu.Lock()
	c.conn = conn
	c.failures = 0
	pending := c.pending
	c.pending = nil
	changed := c.state != Connected
	c.state = Connected
	c.mu.Unlock()

	if changed {
		c.notifyState(Connected)
	}
	return pending
}

func (c *Client) handle(data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		c.logger.Warn("ignoring malformed envelope", zap.Error(err))
		return
	}

	switch msg := env.(type) {
	case envelope.Connection:
		c.mu.Lock()
		c.visitorID = msg.VisitorID
		c.mu.Unlock()
		c.logger.Info("session announced", zap.String("visitor_id", msg.VisitorID))
	case envelope.Chat:
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	case envelope.Ping:
		if err := c.write(envelope.Pong{}); err != nil {
			c.logger.Debug("failed to answer ping", zap.Error(err))
		}
	case envelope.Pong:
	case envelope.Error:
		if c.opts.OnError != nil {
			c.opts.OnError(msg.Message)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(envelope.Ping{}); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) write(env envelope.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, envelope.Encode(env)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) bool {
	timer := time.NewTimer(c.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.notifyState(s)
}

func (c *Client) notifyState(s State) {
	c.logger.Debug("state changed", zap.Stringer("state", s))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}
