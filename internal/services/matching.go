package services

import (
	"context"
	"strings"

	"github.com/blackmirrow/market/internal/models"
)

// Matcher finds tasks a user is allowed to start.
type Matcher struct {
	TaskRepo TaskStore
}

// NewMatcher returns a new Matcher.
func NewMatcher(taskRepo TaskStore) *Matcher {
	return &Matcher{TaskRepo: taskRepo}
}

// Matches reports whether u satisfies every filter set on t. A filter on age
// requires the user to have an age on file.
func Matches(t models.Targeting, u *models.User) bool {
	if t.Country != "" && !strings.EqualFold(t.Country, u.Country) {
		return false
	}
	if t.Gender != "" && !strings.EqualFold(t.Gender, u.Gender) {
		return false
	}
	if t.AgeMin != nil || t.AgeMax != nil {
		if u.Age == nil {
			return false
		}
		if t.AgeMin != nil && *u.Age < *t.AgeMin {
			return false
		}
		if t.AgeMax != nil && *u.Age > *t.AgeMax {
			return false
		}
	}
	return true
}

// AvailableFor lists open tasks the user has not started and whose targeting they match.
func (m *Matcher) AvailableFor(ctx context.Context, u *models.User, limit int) ([]*models.Task, error) {
	tasks, err := m.TaskRepo.ListAvailable(ctx, u.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.CreatorID == u.ID || !Matches(t.Targeting, u) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
