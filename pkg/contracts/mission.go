package contracts

import "time"

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionActive    MissionStatus = "active"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
)

// Mission event types. History is append-only: rollbacks are recorded as
// events and never decrement completed action counts.
const (
	MissionEventStarted         = "started"
	MissionEventActionCompleted = "action_completed"
	MissionEventActionFailed    = "action_failed"
	MissionEventRollback        = "rollback"
	MissionEventCompleted       = "completed"
)

// MissionEvent is one entry in a mission's append-only history.
type MissionEvent struct {
	Type         string    `json:"type"`
	ContractID   string    `json:"contract_id,omitempty"`
	SnapshotID   string    `json:"snapshot_id,omitempty"`
	RolledBackTo string    `json:"rolled_back_to,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Mission tracks a sequence of related verified actions pursuing one goal.
type Mission struct {
	MissionID           string         `json:"mission_id"`
	Name                string         `json:"name"`
	Goal                string         `json:"goal"`
	Status              MissionStatus  `json:"status"`
	ProgressRatio       float64        `json:"progress_ratio"`
	ConfidenceScore     float64        `json:"confidence_score"`
	CompletedActions    int            `json:"completed_actions"`
	TotalPlannedActions int            `json:"total_planned_actions"`
	InitialSnapshotID   string         `json:"initial_snapshot_id,omitempty"`
	CurrentSafePointID  string         `json:"current_safe_point_id,omitempty"`
	History             []MissionEvent `json:"history"`
	StartedAt           time.Time      `json:"started_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}
