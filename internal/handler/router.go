package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/voice-storefront/client/internal/handler/assistant"
	middlewarePkg "github.com/zhouzirui/voice-storefront/client/internal/middleware"
	"github.com/zhouzirui/voice-storefront/client/pkg/utils"
)

// NewRouter wires the local HTTP shell to the assistant panel.
// store may be nil when no storefront is configured.
func NewRouter(panel assistant.Panel, store assistant.StoreView, allowedOrigins []string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(allowedOrigins))

	assistantHandler := assistant.New(panel, store, logger.Named("http"))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := panel.Snapshot()
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"connection": snap.Connection,
			"voice":      snap.Voice,
		})
	})

	r.Route("/api", func(api chi.Router) {
		assistantHandler.RegisterRoutes(api)
	})

	return r
}
