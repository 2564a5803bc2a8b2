// Package model defines the entities shared across the scheduler: workflows,
// job definitions, dependency edges, and the run instances generated from them.
package model

import "time"

// TriggerKind is how a Workflow (or an individual JobDefinition override) is scheduled.
type TriggerKind string

const (
	TriggerCron       TriggerKind = "CRON"
	TriggerFixedRate  TriggerKind = "FIXED_RATE"
	TriggerFixedDelay TriggerKind = "FIXED_DELAY"
	TriggerManual     TriggerKind = "MANUAL"
	TriggerAPI        TriggerKind = "API"
)

// WorkflowStatus is the lifecycle status of a Workflow definition.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "DRAFT"
	WorkflowPublished WorkflowStatus = "PUBLISHED"
	WorkflowPaused    WorkflowStatus = "PAUSED"
)

// RunStatus is the wire-stable status enum shared by WorkflowRun and JobRun.
// Values match the stable integer encoding in the external interface contract.
type RunStatus int

const (
	StatusWaiting RunStatus = iota
	StatusRunning
	StatusSuccess
	StatusFail
	StatusTimeout
	StatusCancelled
)

func (s RunStatus) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusRunning:
		return "RUNNING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFail:
		return "FAIL"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the status can never change again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFail, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// CascadePolicy controls what happens to a JobRun's descendants when it
// terminates with a non-SUCCESS status.
type CascadePolicy string

const (
	CascadeFailFast    CascadePolicy = "FAIL_FAST"
	CascadeBestEffort  CascadePolicy = "BEST_EFFORT"
)

// Reason is a short machine-readable code attached to a terminal status.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDefinitionMissing Reason = "definition_missing"
	ReasonCycleDetected     Reason = "cycle_detected"
	ReasonWorkerLost        Reason = "worker_lost"
	ReasonCancelled         Reason = "cancelled"
	ReasonParentFailed      Reason = "parent_failed"
)

// Workflow is an immutable schedule definition within a tenant. Only
// PUBLISHED workflows generate runs.
type Workflow struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	TriggerKind    TriggerKind    `json:"trigger_kind"`
	TriggerValue   string         `json:"trigger_value"`
	DefaultTimeout time.Duration  `json:"default_timeout"`
	RetryBudget    int            `json:"retry_budget"`
	Priority       int            `json:"priority"`
	Status         WorkflowStatus `json:"status"`
	Deleted        bool           `json:"deleted"`
}

// JobDefinition is a node inside a Workflow's DAG.
type JobDefinition struct {
	ID             string        `json:"id"`
	WorkflowID     string        `json:"workflow_id"`
	JobType        string        `json:"job_type"`
	Params         string        `json:"params"`
	Timeout        time.Duration `json:"timeout"`
	RetryBudget    int           `json:"retry_budget"`
	RetryInterval  time.Duration `json:"retry_interval"`
	Priority       int           `json:"priority"`
	RoutingPolicy  string        `json:"routing_policy"`
	BlockOnFull    string        `json:"block_on_full_policy"`
	TriggerKind    TriggerKind   `json:"trigger_kind,omitempty"`
	TriggerValue   string        `json:"trigger_value,omitempty"`
	CascadePolicy  CascadePolicy `json:"cascade_policy"`
}

// DependencyEdge is a static parent->child edge within a workflow. Edges are
// assumed to form a DAG; any detected cycle is treated as corruption.
type DependencyEdge struct {
	WorkflowID   string `json:"workflow_id"`
	JobID        string `json:"job_id"`
	ParentJobID  string `json:"parent_job_id"`
}

// WorkflowRun is one scheduled occurrence of a Workflow.
type WorkflowRun struct {
	ID              string      `json:"id"`
	WorkflowID      string      `json:"workflow_id"`
	TenantID        string      `json:"tenant_id"`
	TriggerKind     TriggerKind `json:"trigger_kind"`
	TriggerTime     int64       `json:"trigger_time"`
	Status          RunStatus   `json:"status"`
	StartTime       int64       `json:"start_time,omitempty"`
	EndTime         int64       `json:"end_time,omitempty"`
	NextTriggerTime int64       `json:"next_trigger_time,omitempty"`
}

// JobRun is one execution instance of a JobDefinition inside a WorkflowRun.
type JobRun struct {
	ID                 int64     `json:"id"`
	WorkflowRunID      string    `json:"workflow_run_id"`
	JobID              string    `json:"job_id"`
	BucketID           int       `json:"bucket_id"`
	Status             RunStatus `json:"status"`
	TriggerTime        int64     `json:"trigger_time"`
	StartTime          int64     `json:"start_time,omitempty"`
	EndTime            int64     `json:"end_time,omitempty"`
	WorkerID           string    `json:"worker_id,omitempty"`
	RetryCount         int       `json:"retry_count"`
	Message            string    `json:"message,omitempty"`
	Reason             Reason    `json:"reason,omitempty"`
	ParentRunIDs       []int64   `json:"parent_run_ids"`
	CompletedParentIDs []int64   `json:"completed_parent_ids"`
}

// Ready reports whether every parent run id is present in the completed set.
func (jr *JobRun) Ready() bool {
	if len(jr.ParentRunIDs) == 0 {
		return true
	}
	completed := make(map[int64]struct{}, len(jr.CompletedParentIDs))
	for _, id := range jr.CompletedParentIDs {
		completed[id] = struct{}{}
	}
	for _, p := range jr.ParentRunIDs {
		if _, ok := completed[p]; !ok {
			return false
		}
	}
	return true
}

// JobRunDependency is a run-time child->parent edge, materialized from the
// static DependencyEdge set when a WorkflowRun is generated.
type JobRunDependency struct {
	WorkflowRunID string `json:"workflow_run_id"`
	JobRunID      int64  `json:"job_run_id"`
	ParentRunID   int64  `json:"parent_run_id"`
}

// WorkerMembership records a live worker's heartbeat state.
type WorkerMembership struct {
	Address        string `json:"address"`
	MaxConcurrency int    `json:"max_concurrency"`
	Running        int    `json:"running"`
	HeartbeatAtMS  int64  `json:"heartbeat_at_ms"`
}
