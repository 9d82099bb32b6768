package httpapi

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/dparodi/vocalia/internal/worker"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	if r.URL.Query().Get("raw") == "1" {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"turns": s.turns.RecentTurns(limit),
		})
		return
	}
	respondJSON(w, http.StatusOK, s.turns.Snapshot())
}

func (s *Server) handlePools(w http.ResponseWriter, _ *http.Request) {
	statuses := []worker.Status{}
	if s.pools != nil {
		statuses = s.pools.Describe()
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Type < statuses[j].Type
	})
	respondJSON(w, http.StatusOK, map[string]any{
		"pools": statuses,
	})
}
