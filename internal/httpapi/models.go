package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nexus-proxy/nexus/core"
)

// listModels implements GET /v1/models (spec.md §6): aggregated unique model
// IDs across healthy backends, OpenAI's /v1/models list shape.
func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	seen := map[string]bool{}
	var out []wireModel
	for _, b := range h.deps.Registry.AllBackends() {
		if !b.Status.IsHealthy() {
			continue
		}
		for _, m := range b.Models {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, wireModel{ID: m.ID, Object: "model", OwnedBy: "nexus"})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wireModelList{Object: "list", Data: out})
}

// loadModel implements POST /v1/models/load (spec.md §6): 202 Accepted with
// the operation descriptor once the load is registered as InProgress.
func (h *handler) loadModel(w http.ResponseWriter, r *http.Request) {
	var req wireLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", err.Error())
		return
	}

	estimated := req.EstimatedVRAMMB
	if estimated == 0 && h.deps.VRAMEstimator != nil {
		estimated = h.deps.VRAMEstimator(req.ModelID)
	}

	op, err := h.deps.Lifecycle.Load(r.Context(), core.BackendId(req.BackendID), req.ModelID, estimated)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(fromOperation(op))
}

// unloadModel implements DELETE /v1/models/{id}?backend_id=… (spec.md §6):
// 200 on success, 409 if active requests are still routed to this backend.
func (h *handler) unloadModel(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("id")
	backendID := r.URL.Query().Get("backend_id")
	if backendID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_backend_id", "backend_id query parameter is required")
		return
	}

	op, err := h.deps.Lifecycle.Unload(r.Context(), core.BackendId(backendID), modelID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fromOperation(op))
}

// migrateModel implements POST /v1/models/migrate (spec.md §6): a two-step
// initiation that composes a Load on target; 202 Accepted with the
// resulting (Migrate-tagged) operation descriptor.
func (h *handler) migrateModel(w http.ResponseWriter, r *http.Request) {
	var req wireMigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", err.Error())
		return
	}

	estimated := req.EstimatedVRAMMB
	if estimated == 0 && h.deps.VRAMEstimator != nil {
		estimated = h.deps.VRAMEstimator(req.ModelID)
	}

	op, err := h.deps.Lifecycle.Migrate(r.Context(), req.ModelID, core.BackendId(req.SourceBackendID), core.BackendId(req.TargetBackendID), estimated)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(fromOperation(op))
}
