package webhook

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/service/telegram"
	"github.com/zhouzirui/visitor-relay/pkg/utils"
)

// SecretTokenHeader carries the secret configured through setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBytes = 1 << 20

// Gateway handles a decoded operator update.
type Gateway interface {
	HandleInboundWebhook(ctx context.Context, update telegram.Update) (bool, error)
}

// Handler 运营端 webhook 处理器
type Handler struct {
	logger  *zap.Logger
	gateway Gateway
	secret  string
}

// New 创建 webhook 处理器。secret 为空时不校验请求头。
func New(logger *zap.Logger, gateway Gateway, secret string) *Handler {
	return &Handler{
		logger:  logger.Named("webhook"),
		gateway: gateway,
		secret:  secret,
	}
}

// RegisterRoutes 注册 webhook 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/operator", h.handleOperatorUpdate)
}

func (h *Handler) handleOperatorUpdate(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.logger.Warn("rejected update with bad secret token", zap.String("remote_addr", r.RemoteAddr))
			h.respondError(w, http.StatusUnauthorized, "invalid secret token")
			return
		}
	}

	var update telegram.Update
	if err := utils.DecodeJSON(r, maxUpdateBytes, &update); err != nil {
		h.logger.Warn("malformed update", zap.Error(err))
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	handled, err := h.gateway.HandleInboundWebhook(r.Context(), update)
	if err != nil {
		h.logger.Error("update failed",
			zap.Int64("update_id", update.UpdateID),
			zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "update processing failed")
		return
	}

	h.respond(w, http.StatusOK, map[string]any{"ok": true, "handled": handled})
}

func (h *Handler) respond(w http.ResponseWriter, status int, payload any) {
	if err := utils.RespondJSON(w, status, payload); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	if err := utils.RespondError(w, status, message); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}
