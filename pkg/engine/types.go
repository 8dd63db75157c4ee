package engine

import (
	"fmt"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/provisio/provisio/pkg/config"
)

// InstanceStatus is the lifecycle state of a single instance during a run.
type InstanceStatus string

const (
	// StatusPending means the instance has not been dispatched yet.
	StatusPending InstanceStatus = "pending"
	// StatusMaterializing means a worker is applying the instance.
	StatusMaterializing InstanceStatus = "materializing"
	// StatusApplied means materialization (and bootstrap, if any) succeeded.
	StatusApplied InstanceStatus = "applied"
	// StatusFailed means materialization or bootstrap failed.
	StatusFailed InstanceStatus = "failed"
	// StatusBlocked means the instance was never attempted because a
	// transitive dependency failed.
	StatusBlocked InstanceStatus = "blocked"
	// StatusCancelled means the run was cancelled before the instance was
	// attempted.
	StatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status is final for the run.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusApplied, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// InstanceID builds the canonical instance identifier name[index].
func InstanceID(declName string, index int) string {
	return fmt.Sprintf("%s[%d]", declName, index)
}

// Instance is one concrete unit of work produced by expanding a declaration.
type Instance struct {
	// ID is the canonical identifier, name[index].
	ID string
	// DeclName and Type identify the owning declaration.
	DeclName string
	Type     string
	// Index is the instance's position within the declaration, 0-based.
	Index int

	// Decl is the owning declaration, carrying the raw expressions.
	Decl *config.Declaration

	// Attrs holds the resolved attribute values. Set when the instance is
	// dispatched, once all dependencies are materialized.
	Attrs map[string]cty.Value

	// Identity is the provider-assigned identifier, set on successful
	// materialization.
	Identity string

	// Outputs holds provider-reported values (addresses, generated names).
	Outputs map[string]cty.Value
}

// Object returns the instance's state as a cty object for expression
// evaluation: resolved attributes merged with provider outputs, outputs
// winning on collision, plus id bound to the provider identity.
func (inst *Instance) Object() cty.Value {
	attrs := make(map[string]cty.Value, len(inst.Attrs)+len(inst.Outputs)+1)
	for k, v := range inst.Attrs {
		attrs[k] = v
	}
	if inst.Identity != "" {
		attrs["id"] = cty.StringVal(inst.Identity)
	}
	for k, v := range inst.Outputs {
		attrs[k] = v
	}
	return cty.ObjectVal(attrs)
}

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunSummary aggregates instance outcomes.
type RunSummary struct {
	Total     int `json:"total"`
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`
	Unchanged int `json:"unchanged"`
}

// InstanceResult is the per-instance outcome recorded in the run report.
type InstanceResult struct {
	InstanceID string         `json:"instance_id"`
	Type       string         `json:"type"`
	Status     InstanceStatus `json:"status"`
	// Identity is the provider identifier when materialization succeeded.
	Identity string `json:"identity,omitempty"`
	// Outputs are provider outputs converted to plain Go values.
	Outputs map[string]interface{} `json:"outputs,omitempty"`
	// Error is set for failed instances.
	Error string `json:"error,omitempty"`
	// BlockedBy names the failed instance that caused a blocked status.
	BlockedBy string `json:"blocked_by,omitempty"`
	// Unchanged marks instances that were already materialized with
	// identical attributes and were not re-applied.
	Unchanged bool          `json:"unchanged,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Run is the complete report of one apply.
type Run struct {
	ID          string                     `json:"id"`
	Status      RunStatus                  `json:"status"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt time.Time                  `json:"completed_at"`
	Duration    time.Duration              `json:"duration"`
	Summary     RunSummary                 `json:"summary"`
	Results     map[string]*InstanceResult `json:"results"`
	// Outputs holds the collected output values, and Unavailable the
	// outputs that could not be computed with the reason.
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Unavailable map[string]string      `json:"unavailable_outputs,omitempty"`
}
