package handlers

import (
	"net/http"

	"gorm.io/gorm"
)

// Health reports liveness. DB is optional; when set its connectivity is
// included in the response.
type Health struct {
	DB *gorm.DB
}

func (h Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if h.DB != nil {
		resp["database"] = "disconnected"
		if sqlDB, err := h.DB.DB(); err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				resp["database"] = "connected"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
