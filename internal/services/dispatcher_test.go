package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/models"
)

func newTestDispatcher(url string) *Dispatcher {
	d := NewDispatcher(url, "secret", "https://api.example/verifier/callback", discardLogger())
	d.backoff = time.Millisecond
	return d
}

func TestDispatchPostsRequest(t *testing.T) {
	req := &VerificationRequest{ExecutionID: uuid.New(), TaskType: models.TaskTypeComment, TelegramID: 42, PostURL: "https://t.me/c/1"}

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer key, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := newTestDispatcher(srv.URL).Dispatch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got["execution_id"] != req.ExecutionID.String() || got["callback_url"] != "https://api.example/verifier/callback" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestDispatchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := newTestDispatcher(srv.URL).Dispatch(context.Background(), &VerificationRequest{ExecutionID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDispatchRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := newTestDispatcher(srv.URL).Dispatch(context.Background(), &VerificationRequest{ExecutionID: uuid.New()})
	if !errors.Is(err, models.ErrVerificationRejected) {
		t.Fatalf("expected ErrVerificationRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestDispatchGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := newTestDispatcher(srv.URL).Dispatch(context.Background(), &VerificationRequest{ExecutionID: uuid.New()}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != maxRetries+1 {
		t.Fatalf("calls = %d, want %d", calls.Load(), maxRetries+1)
	}
}

func TestDispatchWithoutWebhookIsNoop(t *testing.T) {
	if err := newTestDispatcher("").Dispatch(context.Background(), &VerificationRequest{ExecutionID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
}
