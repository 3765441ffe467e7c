package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ExecutionStarted             = "started"
	ExecutionPendingVerification = "pending_verification"
	ExecutionSettled             = "settled"
	ExecutionRejected            = "rejected"
)

// Verifier outcomes reported by the bot collaborator.
const (
	OutcomeVerified = "verified"
	OutcomeRejected = "rejected"
)

// Execution is one (user, task) attempt. Reward is the per-slot price captured at start.
type Execution struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	TaskID       uuid.UUID  `json:"task_id"`
	TaskType     string     `json:"task_type"`
	State        string     `json:"state"`
	Reward       int64      `json:"reward"`
	StartedAt    time.Time  `json:"started_at"`
	HoldEndsAt   *time.Time `json:"hold_ends_at,omitempty"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	RejectReason string     `json:"reject_reason,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the execution has been settled or rejected.
func (e *Execution) Terminal() bool {
	return e.State == ExecutionSettled || e.State == ExecutionRejected
}

// HoldElapsed reports whether the subscription holding window is over at now.
func (e *Execution) HoldElapsed(now time.Time) bool {
	return e.HoldEndsAt == nil || !now.Before(*e.HoldEndsAt)
}

// TaskStats summarises a user's settled executions of one task type. Earned
// counts what reached the executor after fees.
type TaskStats struct {
	TodayCount  int   `json:"today_count"`
	TotalCount  int   `json:"total_count"`
	TodayEarned int64 `json:"today_earned"`
	TotalEarned int64 `json:"total_earned"`
}
