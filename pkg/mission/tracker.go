// Package mission tracks multi-action goals across verified executions.
// History is append-only: rollbacks are events, never decrements.
package mission

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/safeholdhq/safehold/pkg/audit"
	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/store"
)

// confidenceAlpha is the EMA weight of the latest contract confidence in a
// mission's aggregate confidence. The first recorded action seeds the
// score directly.
const confidenceAlpha = 0.3

// Tracker manages mission lifecycle and progression.
type Tracker struct {
	missions *store.MissionStore
	auditLog audit.Logger
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a mission tracker.
func NewTracker(ms *store.MissionStore, auditLog audit.Logger, log *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		missions: ms,
		auditLog: auditLog,
		log:      log,
		now:      time.Now,
	}
	if t.auditLog == nil {
		t.auditLog = audit.Nop{}
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartMission opens a mission with zero progress.
func (t *Tracker) StartMission(ctx context.Context, name, goal string, plannedActions int, initialSnapshotID string) (*contracts.Mission, error) {
	startedAt := t.now().UTC()
	m := &contracts.Mission{
		MissionID:           "mission-" + uuid.New().String(),
		Name:                name,
		Goal:                goal,
		Status:              contracts.MissionActive,
		TotalPlannedActions: plannedActions,
		InitialSnapshotID:   initialSnapshotID,
		CurrentSafePointID:  initialSnapshotID,
		History: []contracts.MissionEvent{
			{Type: contracts.MissionEventStarted, At: startedAt},
		},
		StartedAt: startedAt,
	}
	if err := t.missions.Create(ctx, m); err != nil {
		return nil, err
	}
	if err := t.auditLog.Record(ctx, "system", "start_mission", m.MissionID, "mission", map[string]any{
		"name":            name,
		"planned_actions": plannedActions,
	}, "active"); err != nil {
		t.log.Warn("audit append failed", "action", "start_mission", "error", err)
	}
	t.log.Info("mission started", "mission_id", m.MissionID, "name", name)
	return m, nil
}

// RecordActionCompleted records the outcome of one associated action.
// completed_actions increments only on success; confidence folds the
// contract's score in as an exponential moving average.
func (t *Tracker) RecordActionCompleted(ctx context.Context, missionID, contractID string, success bool, confidence float64, newSafePointID string) error {
	m, err := t.missions.Get(ctx, missionID)
	if err != nil {
		return err
	}

	eventType := contracts.MissionEventActionFailed
	if success {
		eventType = contracts.MissionEventActionCompleted
		m.CompletedActions++
	}
	if m.TotalPlannedActions > 0 {
		m.ProgressRatio = min(float64(m.CompletedActions)/float64(m.TotalPlannedActions), 1.0)
	}
	if len(m.History) <= 1 {
		m.ConfidenceScore = confidence
	} else {
		m.ConfidenceScore = (1-confidenceAlpha)*m.ConfidenceScore + confidenceAlpha*confidence
	}
	if newSafePointID != "" {
		m.CurrentSafePointID = newSafePointID
	}
	m.History = append(m.History, contracts.MissionEvent{
		Type:       eventType,
		ContractID: contractID,
		SnapshotID: newSafePointID,
		At:         t.now().UTC(),
	})

	return t.missions.Update(ctx, m)
}

// RecordRollback appends a rollback event. Completed action counts are
// never decremented; the history is the record.
func (t *Tracker) RecordRollback(ctx context.Context, missionID, contractID, rolledBackTo string) error {
	m, err := t.missions.Get(ctx, missionID)
	if err != nil {
		return err
	}
	m.History = append(m.History, contracts.MissionEvent{
		Type:         contracts.MissionEventRollback,
		ContractID:   contractID,
		RolledBackTo: rolledBackTo,
		At:           t.now().UTC(),
	})
	if err := t.missions.Update(ctx, m); err != nil {
		return err
	}
	if err := t.auditLog.Record(ctx, "system", "mission_rollback", missionID, "mission", map[string]any{
		"contract_id":    contractID,
		"rolled_back_to": rolledBackTo,
	}, "recorded"); err != nil {
		t.log.Warn("audit append failed", "action", "mission_rollback", "error", err)
	}
	return nil
}

// CompleteMission closes a mission in a terminal state.
func (t *Tracker) CompleteMission(ctx context.Context, missionID string, success bool) error {
	m, err := t.missions.Get(ctx, missionID)
	if err != nil {
		return err
	}
	completedAt := t.now().UTC()
	if success {
		m.Status = contracts.MissionCompleted
	} else {
		m.Status = contracts.MissionFailed
	}
	m.CompletedAt = &completedAt
	m.History = append(m.History, contracts.MissionEvent{
		Type:   contracts.MissionEventCompleted,
		Detail: string(m.Status),
		At:     completedAt,
	})
	if err := t.missions.Update(ctx, m); err != nil {
		return err
	}
	if err := t.auditLog.Record(ctx, "system", "complete_mission", missionID, "mission", nil, string(m.Status)); err != nil {
		t.log.Warn("audit append failed", "action", "complete_mission", "error", err)
	}
	t.log.Info("mission closed", "mission_id", missionID, "status", string(m.Status))
	return nil
}

// Get returns a mission by id.
func (t *Tracker) Get(ctx context.Context, missionID string) (*contracts.Mission, error) {
	return t.missions.Get(ctx, missionID)
}
