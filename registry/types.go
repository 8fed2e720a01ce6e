package registry

import (
	"time"

	"github.com/nexus-proxy/nexus/core"
)

// StatusKind is the sum type of backend health states (spec.md §3).
type StatusKind string

const (
	StatusUnknown   StatusKind = "unknown"
	StatusHealthy   StatusKind = "healthy"
	StatusUnhealthy StatusKind = "unhealthy"
	StatusLoading   StatusKind = "loading"
	StatusDraining  StatusKind = "draining"
)

// Status captures a backend's current health/lifecycle state. Loading
// carries the model being loaded plus progress; the other kinds carry no
// payload. The zero value is StatusUnknown, matching the documented initial
// state.
type Status struct {
	Kind      StatusKind
	ModelID   string // set when Kind == StatusLoading
	Percent   int    // 0-100, set when Kind == StatusLoading
	ETAMillis int64  // optional, 0 = unknown
}

func UnknownStatus() Status   { return Status{Kind: StatusUnknown} }
func HealthyStatus() Status   { return Status{Kind: StatusHealthy} }
func UnhealthyStatus() Status { return Status{Kind: StatusUnhealthy} }
func DrainingStatus() Status  { return Status{Kind: StatusDraining} }

func LoadingStatus(modelID string, percent int, etaMs int64) Status {
	return Status{Kind: StatusLoading, ModelID: modelID, Percent: percent, ETAMillis: etaMs}
}

// IsHealthy reports whether routing may consider this backend a candidate.
func (s Status) IsHealthy() bool { return s.Kind == StatusHealthy }

// LifecycleOpType enumerates the three lifecycle operations §4.7 exposes.
type LifecycleOpType string

const (
	OpLoad    LifecycleOpType = "load"
	OpUnload  LifecycleOpType = "unload"
	OpMigrate LifecycleOpType = "migrate"
)

// LifecycleOpStatus is the single-shot state machine: Pending -> InProgress
// -> (Completed | Failed).
type LifecycleOpStatus string

const (
	OpPending    LifecycleOpStatus = "pending"
	OpInProgress LifecycleOpStatus = "in_progress"
	OpCompleted  LifecycleOpStatus = "completed"
	OpFailed     LifecycleOpStatus = "failed"
)

// LifecycleOperation describes one in-flight or finished Load/Unload/Migrate
// operation against a backend.
type LifecycleOperation struct {
	ID              string
	Type            LifecycleOpType
	ModelID         string
	SourceBackendID core.BackendId // set for Migrate
	TargetBackendID core.BackendId // set for Migrate; equals the owning backend for Load/Unload
	Status          LifecycleOpStatus
	ProgressPercent int
	ETAMillis       int64
	InitiatedAt     time.Time
	CompletedAt     time.Time
	Error           string
}

// InProgress reports whether this operation currently occupies its backend.
func (op *LifecycleOperation) InProgress() bool {
	return op != nil && op.Status == OpInProgress
}

// BackendRecord is a point-in-time, immutable snapshot of a backend's state.
// Registry getters return these by value; mutating a returned BackendRecord
// has no effect on the registry (consumers receive cheap clonable
// snapshots, per §3's ownership rules).
type BackendRecord struct {
	ID          core.BackendId
	Name        string
	URL         string
	BackendType core.BackendType

	Status Status
	Models []core.Model

	Priority int // lower = preferred; clamped to 100 in scoring

	PendingRequests  int64
	AvgLatencyMillis int64

	CurrentOperation *LifecycleOperation

	PrivacyZone     core.PrivacyZone
	DiscoverySource core.DiscoverySource

	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	ConsecutiveFailures int
	ConsecutiveSuccesses int
}

// ModelByID returns the Model entry matching id, if hosted by this backend.
func (b BackendRecord) ModelByID(id string) (core.Model, bool) {
	for _, m := range b.Models {
		if m.ID == id {
			return m, true
		}
	}
	return core.Model{}, false
}
