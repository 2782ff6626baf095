// handler.go — основной обработчик API Patient Media.
// Объединяет health endpoints и диспетчер и регистрирует маршруты в chi.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// APIHandler — основной обработчик API.
type APIHandler struct {
	health *HealthHandler
	media  *MediaHandler
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, media *MediaHandler, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health: health,
		media:  media,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// Register регистрирует маршруты. mediaMiddlewares применяются только
// к диспетчеру (проверка доступа), health и метрики остаются публичными.
func (h *APIHandler) Register(r chi.Router, mediaMiddlewares ...func(http.Handler) http.Handler) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Group(func(r chi.Router) {
		r.Use(mediaMiddlewares...)
		r.Post("/api/v1/media", h.media.Dispatch)
	})
}
