package httpapi

import (
	"net/http"
	"time"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/fleet"
	"github.com/nexus-proxy/nexus/lifecycle"
	"github.com/nexus-proxy/nexus/registry"
	"github.com/nexus-proxy/nexus/router"
)

// VRAMEstimator reports an estimated VRAM footprint for a model, used both
// by the lifecycle Load precondition and by the fleet analyzer's headroom
// check on each Tick (cmd/nexusd passes it to the fleet ticker); the fleet
// recommendations endpoint only reads the stored results.
type VRAMEstimator func(modelID string) int64

// Deps collects everything the HTTP surface needs from the rest of the
// engine. It holds no state of its own beyond what's handed in.
type Deps struct {
	Registry  *registry.Registry
	Router    *router.Router
	Lifecycle *lifecycle.Controller
	Fleet     *fleet.Analyzer
	Budget    *router.BudgetTracker
	Quality   *router.QualityTracker
	Logger    core.Logger

	MaxRetries    int
	VRAMEstimator VRAMEstimator
	CORS          *core.CORSConfig
}

// NewServer builds the *http.Server exposing spec.md §6's surface, wrapped
// in request logging and (optionally) CORS, matching the teacher's
// middleware-chaining idiom (core.LoggingMiddleware, core.CORSMiddleware).
func NewServer(addr string, deps Deps) *http.Server {
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = 2
	}

	h := &handler{deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", h.chatCompletions)
	mux.HandleFunc("GET /v1/models", h.listModels)
	mux.HandleFunc("POST /v1/models/load", h.loadModel)
	mux.HandleFunc("DELETE /v1/models/{id}", h.unloadModel)
	mux.HandleFunc("POST /v1/models/migrate", h.migrateModel)
	mux.HandleFunc("GET /v1/fleet/recommendations", h.fleetRecommendations)

	var top http.Handler = mux
	if deps.CORS != nil {
		top = core.CORSMiddleware(deps.CORS)(top)
	}
	top = core.LoggingMiddleware(deps.Logger, false)(top)

	return &http.Server{
		Addr:              addr,
		Handler:           top,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type handler struct {
	deps Deps
}

// callerZone derives the request's privacy zone from an operator-supplied
// header; absent or unrecognized values default to Open, the more
// permissive zone, matching spec.md §4.5's "Open callers may use both"
// default when no narrower classification is supplied.
func callerZone(r *http.Request) core.PrivacyZone {
	switch core.PrivacyZone(r.Header.Get("X-Nexus-Caller-Zone")) {
	case core.ZoneRestricted:
		return core.ZoneRestricted
	default:
		return core.ZoneOpen
	}
}

func tierHint(r *http.Request) core.CapabilityTier {
	return core.CapabilityTier(r.Header.Get("X-Nexus-Tier-Hint"))
}
