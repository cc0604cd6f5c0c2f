package cmd

import (
	"net/http"

	"github.com/gluk-w/webssh/internal/audit"
	"github.com/gluk-w/webssh/internal/handlers"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// routes holds everything the HTTP router dispatches to. Auditor and DB are
// nil when the audit store is disabled.
type routes struct {
	Terminal *handlers.Terminal
	Static   http.Handler
	Auditor  *audit.Auditor
	DB       *gorm.DB
}

func newRouter(rt routes) chi.Router {
	r := chi.NewRouter()
	// RealIP runs first so the access log records the client address.
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.Health{DB: rt.DB}.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ssh", rt.Terminal.ServeHTTP)
		if rt.Auditor != nil {
			r.Get("/audit", handlers.AuditLog{Auditor: rt.Auditor}.ServeHTTP)
		}
		r.NotFound(handlers.NotFound)
	})

	if rt.Static != nil {
		r.NotFound(rt.Static.ServeHTTP)
	} else {
		r.NotFound(handlers.NotFound)
	}
	return r
}
