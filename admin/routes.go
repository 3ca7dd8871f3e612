package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/txcore/telemetry"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handlers.handleHealth)

	r.Route("/locks", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/stats", handlers.handleLockStats)
		r.Get("/table/{table}", handlers.handleTableHolders)
		r.Get("/row/{table}/{row}", handlers.handleRowHolders)
	})

	r.Route("/txn", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/summary", handlers.handleSummary)
		r.Get("/live", handlers.handleLiveTransactions)
		r.Get("/{txnID}", handlers.handleTransaction)
		r.Post("/release-read-levels", handlers.handleReleaseReadLevels)
	})

	r.With(AuthMiddleware).Get("/visibility/{stmt}", handlers.handleVisibility)

	r.Route("/store", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/stats", handlers.handleStoreStats)
		r.Post("/checkpoint", handlers.handleCheckpoint)
		r.Post("/merge", handlers.handleMerge)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
