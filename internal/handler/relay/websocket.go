package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/metrics"
	"github.com/zhouzirui/visitor-relay/internal/middleware"
	"github.com/zhouzirui/visitor-relay/internal/model/envelope"
	"github.com/zhouzirui/visitor-relay/internal/service/session"
)

const (
	msgDeliveryFailed = "message could not be delivered, please try again"
	msgEmptyContent   = "message content must not be empty"
	msgBinaryFrame    = "binary frames are not supported"
	msgUnexpectedType = "unexpected envelope type: "
)

// Registry is the session registry as seen by the websocket handler.
type Registry interface {
	Create(handle session.Handle) string
	Touch(visitorID string) error
	Send(visitorID string, env envelope.Envelope) error
	Remove(visitorID string) bool
}

// Dispatcher forwards visitor text to the operator.
type Dispatcher interface {
	SendToOperator(ctx context.Context, visitorID, text string) (int64, error)
}

// Heartbeater pings a session until ctx is cancelled.
type Heartbeater interface {
	Heartbeat(ctx context.Context, visitorID string)
}

// Options WebSocket 连接参数。
type Options struct {
	AllowedOrigins  []string
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// WebSocketHandler 访客 WebSocket 处理器
type WebSocketHandler struct {
	logger     *zap.Logger
	registry   Registry
	dispatcher Dispatcher
	heartbeat  Heartbeater
	metrics    *metrics.Metrics
	opts       Options
	upgrader   websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(logger *zap.Logger, registry Registry, dispatcher Dispatcher, heartbeat Heartbeater, m *metrics.Metrics, opts Options) *WebSocketHandler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 16 << 10
	}
	origins := opts.AllowedOrigins
	return &WebSocketHandler{
		logger:     logger.Named("relay.ws"),
		registry:   registry,
		dispatcher: dispatcher,
		heartbeat:  heartbeat,
		metrics:    m,
		opts:       opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(origins, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.ServeHTTP)
}

// ServeHTTP upgrades the request and runs the session until the visitor
// leaves or the connection fails.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}
	conn.SetReadLimit(h.opts.MaxMessageBytes)

	handle := &wsHandle{conn: conn, writeTimeout: h.opts.WriteTimeout}
	visitorID := h.registry.Create(handle)
	defer h.registry.Remove(visitorID)

	logger := h.logger.With(zap.String("visitor_id", visitorID))
	if err := h.registry.Send(visitorID, envelope.Connection{VisitorID: visitorID}); err != nil {
		logger.Warn("failed to announce session", zap.Error(err))
		return
	}
	logger.Info("visitor connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if h.heartbeat != nil {
		go h.heartbeat.Heartbeat(ctx, visitorID)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info("read error", zap.Error(err))
			} else {
				logger.Info("visitor disconnected")
			}
			return
		}

		if err := h.registry.Touch(visitorID); err != nil {
			// evicted or removed after a failed write
			logger.Info("session gone, closing connection")
			return
		}

		if msgType != websocket.TextMessage {
			h.protocolError(visitorID, logger, msgBinaryFrame)
			continue
		}

		env, err := envelope.Decode(data)
		if err != nil {
			reason := err.Error()
			var decodeErr *envelope.DecodeError
			if errors.As(err, &decodeErr) {
				reason = decodeErr.Reason
			}
			logger.Debug("malformed envelope", zap.Error(err))
			h.protocolError(visitorID, logger, "invalid message: "+reason)
			continue
		}
		if h.metrics != nil {
			h.metrics.EnvelopeReceived(string(env.Type()))
		}

		h.handleEnvelope(ctx, visitorID, logger, env)
	}
}

func (h *WebSocketHandler) handleEnvelope(ctx context.Context, visitorID string, logger *zap.Logger, env envelope.Envelope) {
	switch msg := env.(type) {
	case envelope.Ping:
		h.reply(visitorID, logger, envelope.Pong{})
	case envelope.Pong:
		// Touch already recorded the activity
	case envelope.Chat:
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			h.protocolError(visitorID, logger, msgEmptyContent)
			return
		}
		if _, err := h.dispatcher.SendToOperator(ctx, visitorID, content); err != nil {
			logger.Warn("dispatch to operator failed", zap.Error(err))
			h.reply(visitorID, logger, envelope.Error{Message: msgDeliveryFailed})
		}
	default:
		h.protocolError(visitorID, logger, msgUnexpectedType+string(env.Type()))
	}
}

func (h *WebSocketHandler) protocolError(visitorID string, logger *zap.Logger, message string) {
	if h.metrics != nil {
		h.metrics.ProtocolError()
	}
	h.reply(visitorID, logger, envelope.Error{Message: message})
}

func (h *WebSocketHandler) reply(visitorID string, logger *zap.Logger, env envelope.Envelope) {
	if err := h.registry.Send(visitorID, env); err != nil {
		logger.Debug("reply not delivered",
			zap.String("type", string(env.Type())),
			zap.Error(err))
	}
}

// wsHandle adapts a websocket connection to session.Handle. Writes are
// serialised by the session; Close may race a write and is safe to call
// concurrently.
type wsHandle struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsHandle) Write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsHandle) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
