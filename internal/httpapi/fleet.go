package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// fleetRecommendations implements GET /v1/fleet/recommendations?min_confidence=…
// (spec.md §6): the analyzer's most recent Tick output, filtered to the
// requested confidence floor.
func (h *handler) fleetRecommendations(w http.ResponseWriter, r *http.Request) {
	minConfidence := 0.0
	if raw := r.URL.Query().Get("min_confidence"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			minConfidence = v
		}
	}

	recs := h.deps.Fleet.Recommendations(minConfidence)
	out := make([]wireRecommendation, 0, len(recs))
	for _, rec := range recs {
		targets := make([]string, 0, len(rec.TargetBackends))
		for _, id := range rec.TargetBackends {
			targets = append(targets, string(id))
		}
		out = append(out, wireRecommendation{
			Model:          rec.Model,
			TargetBackends: targets,
			Confidence:     rec.Confidence,
			Reasoning:      rec.Reasoning,
			VRAMRequiredMB: rec.VRAMRequiredMB,
			GeneratedAt:    rec.GeneratedAt.Format(time.RFC3339),
			ExpiresAt:      rec.ExpiresAt.Format(time.RFC3339),
			Status:         string(rec.Status),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
