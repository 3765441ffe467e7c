package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/metrics"
	"github.com/blackmirrow/market/internal/models"
)

// TaskTypeLookup resolves the task named in the start route.
type TaskTypeLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

// StartCounter counts a user's executions of one type started since a time.
type StartCounter interface {
	CountStartedSince(ctx context.Context, userID uuid.UUID, taskType string, since time.Time) (int, error)
}

// now is replaced in tests.
var now = time.Now

// DailyStartLimit turns away subscription starts from users already over the
// rolling 24h limit before a transaction is opened. The slot allocator
// repeats the count under the user's lock; this check only saves the work.
// Other task types pass through. It must run after UserAuth on a route with
// an {id} wildcard.
func DailyStartLimit(tasks TaskTypeLookup, counter StartCounter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromCtx(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			taskID, err := uuid.Parse(r.PathValue("id"))
			if err != nil {
				http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
				return
			}
			task, err := tasks.GetByID(r.Context(), taskID)
			if err != nil {
				// The start handler reports a missing task itself.
				next.ServeHTTP(w, r)
				return
			}
			if task.Type != models.TaskTypeSubscription {
				next.ServeHTTP(w, r)
				return
			}

			started, err := counter.CountStartedSince(r.Context(), userID, task.Type, now().Add(-24*time.Hour))
			if err != nil {
				http.Error(w, `{"error":"failed to check daily limit"}`, http.StatusInternalServerError)
				return
			}
			if started >= limit {
				metrics.StartRejections.WithLabelValues("daily_limit").Inc()
				http.Error(w, fmt.Sprintf(`{"error":"daily limit of %d subscriptions reached"}`, limit), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
