package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TaskTypeSubscription = "subscription"
	TaskTypeComment      = "comment"
	TaskTypeView         = "view"
)

// TaskTypes lists every supported task type.
var TaskTypes = []string{TaskTypeSubscription, TaskTypeComment, TaskTypeView}

const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
	TaskStatusCancelled = "cancelled"
)

// Targeting filters; empty / nil fields match everyone.
type Targeting struct {
	Country string `json:"country,omitempty"`
	Gender  string `json:"gender,omitempty"`
	AgeMin  *int   `json:"age_min,omitempty"`
	AgeMax  *int   `json:"age_max,omitempty"`
}

// Empty reports whether no filter is set.
func (t Targeting) Empty() bool {
	return t.Country == "" && t.Gender == "" && t.AgeMin == nil && t.AgeMax == nil
}

type Task struct {
	ID                 uuid.UUID `json:"id"`
	CreatorID          uuid.UUID `json:"creator_id"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Type               string    `json:"type"`
	PricePerSlot       int64     `json:"price_per_slot"`
	TotalSlots         int       `json:"total_slots"`
	RemainingSlots     int       `json:"remaining_slots"`
	CompletedSlots     int       `json:"completed_slots"`
	Status             string    `json:"status"`
	Targeting          Targeting `json:"targeting"`
	ChannelID          string    `json:"channel_id,omitempty"`
	PostURL            string    `json:"post_url,omitempty"`
	CommentInstruction string    `json:"comment_instruction,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// EscrowTotal is the amount locked when the task is created.
func (t *Task) EscrowTotal() int64 {
	return t.PricePerSlot * int64(t.TotalSlots)
}

// ValidTaskType reports whether s names a supported task type.
func ValidTaskType(s string) bool {
	switch strings.ToLower(s) {
	case TaskTypeSubscription, TaskTypeComment, TaskTypeView:
		return true
	}
	return false
}
