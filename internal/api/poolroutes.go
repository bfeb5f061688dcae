package api

import (
	"net/http"

	"github.com/clark235/carapaceos/internal/apierr"
	"github.com/clark235/carapaceos/internal/pool"
)

type poolStatusResponse struct {
	Stats      pool.Stats `json:"stats"`
	StatusLine string     `json:"status_line"`
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, poolStatusResponse{
		Stats:      s.pool.Stats(),
		StatusLine: s.pool.StatusLine(),
	})
}

type poolResizeRequest struct {
	Size int `json:"size"`
}

type poolResizeResponse struct {
	NewSize int `json:"newSize"`
}

// handlePoolResize validates size is in [0, 16] per spec §4.4's route
// table, then kicks the pool's refill loop.
func (s *Server) handlePoolResize(w http.ResponseWriter, r *http.Request) {
	var req poolResizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Size < 0 || req.Size > 16 {
		writeAPIError(w, apierr.New(apierr.Usage, "size must be between 0 and 16"))
		return
	}

	s.pool.Resize(req.Size)
	writeJSON(w, http.StatusOK, poolResizeResponse{NewSize: req.Size})
}
