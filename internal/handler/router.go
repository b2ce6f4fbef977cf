package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/handler/relay"
	"github.com/zhouzirui/visitor-relay/internal/handler/webhook"
	"github.com/zhouzirui/visitor-relay/internal/metrics"
	middlewarePkg "github.com/zhouzirui/visitor-relay/internal/middleware"
	"github.com/zhouzirui/visitor-relay/pkg/utils"
)

// SessionCounter reports the number of live sessions for /health.
type SessionCounter interface {
	Count() int
}

// Deps 路由依赖
type Deps struct {
	Logger         *zap.Logger
	Sessions       SessionCounter
	Metrics        *metrics.Metrics
	WebSocket      *relay.WebSocketHandler
	Webhook        *webhook.Handler
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		sessions := 0
		if deps.Sessions != nil {
			sessions = deps.Sessions.Count()
		}
		if err := utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": sessions,
		}); err != nil {
			deps.Logger.Warn("failed to write health response", zap.Error(err))
		}
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	if deps.WebSocket != nil {
		deps.WebSocket.RegisterRoutes(r)
	}
	if deps.Webhook != nil {
		deps.Webhook.RegisterRoutes(r)
	}

	return r
}
