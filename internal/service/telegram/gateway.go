package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/metrics"
	"github.com/zhouzirui/visitor-relay/internal/model/envelope"
	"github.com/zhouzirui/visitor-relay/internal/service/correlation"
	"github.com/zhouzirui/visitor-relay/internal/service/session"
)

var (
	// ErrDispatchFailed wraps any failure to deliver a visitor message to the operator.
	ErrDispatchFailed = errors.New("operator dispatch failed")
)

const (
	noticeSessionNotFound = "⚠️ Could not deliver your reply: the visitor's conversation was not found or has expired."
	noticeTextOnly        = "⚠️ Only text replies can be relayed to visitors."
	noticeProcessingError = "⚠️ An error occurred while relaying your reply. Telegram will retry delivery."

	replayWindow = 1024
)

// Operator sends text to the operator chat.
type Operator interface {
	SendMessage(ctx context.Context, text string, replyTo int64) (int64, error)
}

// Router delivers envelopes to live visitor sessions.
type Router interface {
	Get(visitorID string) (session.Info, bool)
	Send(visitorID string, env envelope.Envelope) error
	SetLastOperatorMessage(visitorID string, operatorMessageID int64) error
}

// Gateway relays visitor messages to the operator and routes operator
// replies back to the visitor they answer.
type Gateway struct {
	logger   *zap.Logger
	operator Operator
	table    correlation.Table
	router   Router
	metrics  *metrics.Metrics
	chatID   int64
	replays  *replayGuard
}

// NewGateway wires the gateway. chatID filters webhook updates to the
// operator chat; zero accepts every chat.
func NewGateway(logger *zap.Logger, operator Operator, table correlation.Table, router Router, m *metrics.Metrics, chatID int64) *Gateway {
	return &Gateway{
		logger:   logger.Named("telegram.gateway"),
		operator: operator,
		table:    table,
		router:   router,
		metrics:  m,
		chatID:   chatID,
		replays:  newReplayGuard(replayWindow),
	}
}

// SendToOperator forwards visitor text to the operator chat tagged with the
// visitor id and records the correlation once the send has succeeded.
func (g *Gateway) SendToOperator(ctx context.Context, visitorID, text string) (int64, error) {
	var replyTo int64
	if info, ok := g.router.Get(visitorID); ok && info.LastOperatorMessageID != nil {
		replyTo = *info.LastOperatorMessageID
	}

	operatorMessageID, err := g.operator.SendMessage(ctx, formatVisitorMessage(visitorID, text), replyTo)
	if err != nil {
		g.recordDispatch("error")
		g.logger.Error("failed to forward visitor message",
			zap.String("visitor_id", visitorID),
			zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	if err := g.table.Record(ctx, operatorMessageID, visitorID); err != nil {
		g.recordDispatch("error")
		g.logger.Error("message delivered but correlation not recorded",
			zap.String("visitor_id", visitorID),
			zap.Int64("operator_message_id", operatorMessageID),
			zap.Error(err))
		return 0, fmt.Errorf("%w: record correlation: %v", ErrDispatchFailed, err)
	}

	// A session removed while the send was in flight has already been purged,
	// so the entry recorded above would outlive it.
	if err := g.router.SetLastOperatorMessage(visitorID, operatorMessageID); err != nil {
		g.logger.Info("visitor left before dispatch completed, dropping correlation",
			zap.String("visitor_id", visitorID),
			zap.Int64("operator_message_id", operatorMessageID))
		purgeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := g.table.PurgeVisitor(purgeCtx, visitorID); err != nil {
			g.logger.Error("failed to purge correlations of departed visitor",
				zap.String("visitor_id", visitorID),
				zap.Error(err))
		}
		g.recordDispatch("visitor_gone")
		return operatorMessageID, nil
	}

	g.recordDispatch("ok")
	g.logger.Info("visitor message forwarded",
		zap.String("visitor_id", visitorID),
		zap.Int64("operator_message_id", operatorMessageID))
	return operatorMessageID, nil
}

// HandleInboundWebhook routes an operator reply to its visitor. Updates that
// are not replies are ignored with handled=false. When an error is returned
// the operator has already been notified on a best-effort basis.
func (g *Gateway) HandleInboundWebhook(ctx context.Context, update Update) (handled bool, err error) {
	// claimed is the reply id held in the replay guard; it is released again
	// unless the update completes, so Telegram's retry gets a fresh attempt.
	var claimed int64
	done := false
	defer func() {
		if rec := recover(); rec != nil {
			handled = false
			err = fmt.Errorf("panic handling update %d: %v", update.UpdateID, rec)
			g.recordWebhook("error")
			g.notifyOperator(ctx, noticeProcessingError, 0)
		}
		if claimed != 0 && !done {
			g.replays.release(claimed)
		}
	}()

	msg := update.Message
	if msg == nil || msg.ReplyToMessage == nil {
		g.logger.Debug("ignoring non-reply update", zap.Int64("update_id", update.UpdateID))
		g.recordWebhook("ignored")
		return false, nil
	}
	if g.chatID != 0 && msg.Chat != nil && msg.Chat.ID != g.chatID {
		g.logger.Warn("ignoring update from foreign chat",
			zap.Int64("update_id", update.UpdateID),
			zap.Int64("chat_id", msg.Chat.ID))
		g.recordWebhook("ignored")
		return false, nil
	}

	if !g.replays.claim(msg.MessageID) {
		g.logger.Info("duplicate operator reply, skipping", zap.Int64("message_id", msg.MessageID))
		g.recordWebhook("duplicate")
		return true, nil
	}
	claimed = msg.MessageID

	repliedTo := msg.ReplyToMessage.MessageID
	visitorID, found, err := g.table.Resolve(ctx, repliedTo)
	if err != nil {
		return false, g.fail(ctx, fmt.Errorf("resolve reply target %d: %w", repliedTo, err))
	}

	if !found {
		g.logger.Info("reply target has no live visitor",
			zap.Int64("replied_to", repliedTo),
			zap.Int64("message_id", msg.MessageID))
		if _, err := g.operator.SendMessage(ctx, noticeSessionNotFound, msg.MessageID); err != nil {
			g.recordWebhook("error")
			return false, fmt.Errorf("notify operator of missing session: %w", err)
		}
		done = true
		g.recordWebhook("unresolved")
		return true, nil
	}

	if msg.Text == "" {
		if _, err := g.operator.SendMessage(ctx, noticeTextOnly, msg.MessageID); err != nil {
			g.recordWebhook("error")
			return false, fmt.Errorf("notify operator of unsupported reply: %w", err)
		}
		done = true
		g.recordWebhook("unsupported")
		return true, nil
	}

	err = g.router.Send(visitorID, envelope.AdminReply(msg.Text, repliedTo))
	switch {
	case errors.Is(err, session.ErrNotConnected):
		g.logger.Warn("visitor disconnected before reply arrived",
			zap.String("visitor_id", visitorID),
			zap.Int64("replied_to", repliedTo),
			zap.Error(err))
		done = true
		g.recordWebhook("visitor_gone")
		return true, nil
	case err != nil:
		return false, g.fail(ctx, fmt.Errorf("deliver reply to %s: %w", visitorID, err))
	}

	done = true
	g.recordWebhook("routed")
	g.logger.Info("operator reply routed",
		zap.String("visitor_id", visitorID),
		zap.Int64("replied_to", repliedTo))
	return true, nil
}

func (g *Gateway) fail(ctx context.Context, err error) error {
	g.logger.Error("failed to handle operator update", zap.Error(err))
	g.recordWebhook("error")
	g.notifyOperator(ctx, noticeProcessingError, 0)
	return err
}

// notifyOperator is best effort and survives a cancelled request context.
func (g *Gateway) notifyOperator(ctx context.Context, text string, replyTo int64) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := g.operator.SendMessage(notifyCtx, text, replyTo); err != nil {
		g.logger.Warn("failed to notify operator", zap.Error(err))
	}
}

func (g *Gateway) recordDispatch(result string) {
	if g.metrics != nil {
		g.metrics.OperatorDispatch(result)
	}
}

func (g *Gateway) recordWebhook(outcome string) {
	if g.metrics != nil {
		g.metrics.WebhookUpdate(outcome)
	}
}

func formatVisitorMessage(visitorID, text string) string {
	tag := visitorID
	if len(tag) > 8 {
		tag = tag[:8]
	}
	return fmt.Sprintf("[visitor %s] %s", tag, text)
}

// replayGuard remembers the most recent operator reply ids so a webhook
// redelivery does not reach the visitor twice. An id is claimed before the
// reply is routed, so concurrent deliveries of one update route it once.
type replayGuard struct {
	mu    sync.Mutex
	size  int
	order []int64
	ids   map[int64]struct{}
}

func newReplayGuard(size int) *replayGuard {
	return &replayGuard{size: size, ids: make(map[int64]struct{}, size)}
}

func (r *replayGuard) seen(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// claim records id and reports whether this call added it.
func (r *replayGuard) claim(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	if len(r.order) >= r.size {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.ids, oldest)
	}
	r.order = append(r.order, id)
	r.ids[id] = struct{}{}
	return true
}

// release forgets a claimed id whose update failed.
func (r *replayGuard) release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return
	}
	delete(r.ids, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
