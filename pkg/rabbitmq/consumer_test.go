package rabbitmq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
)

func TestDispatchActivity_DecodesAndRoutesByKey(t *testing.T) {
	projectID := uuid.New()
	ts := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	body, _ := json.Marshal(domain.ActivityEvent{
		ProjectID: projectID,
		UserID:    "ext-user-1",
		EventName: "lesson.completed",
		Timestamp: ts,
	})

	var got domain.ActivityEvent
	handlers := map[string]ActivityHandler{
		"activity.tracked": func(evt domain.ActivityEvent) bool {
			got = evt
			return true
		},
	}

	if !dispatchActivity(handlers, "activity.tracked", body) {
		t.Fatal("expected delivery to be acked")
	}
	if got.ProjectID != projectID || got.UserID != "ext-user-1" || got.EventName != "lesson.completed" {
		t.Fatalf("handler saw wrong event: %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("expected timestamp %v, got %v", ts, got.Timestamp)
	}
}

func TestDispatchActivity_MalformedPayloadIsDroppedNotRequeued(t *testing.T) {
	called := false
	handlers := map[string]ActivityHandler{
		"activity.tracked": func(domain.ActivityEvent) bool {
			called = true
			return false
		},
	}

	if !dispatchActivity(handlers, "activity.tracked", []byte("{not json")) {
		t.Fatal("malformed payloads must be acked, not requeued")
	}
	if called {
		t.Fatal("handler must not run for undecodable payloads")
	}
}

func TestDispatchActivity_UnboundRoutingKeyIsDropped(t *testing.T) {
	handlers := map[string]ActivityHandler{
		"activity.tracked": func(domain.ActivityEvent) bool { return false },
	}

	if !dispatchActivity(handlers, "billing.invoiced", []byte(`{}`)) {
		t.Fatal("deliveries without a handler must be acked away")
	}
}

func TestDispatchActivity_HandlerFailureRequeues(t *testing.T) {
	handlers := map[string]ActivityHandler{
		"activity.tracked": func(domain.ActivityEvent) bool { return false },
	}
	body, _ := json.Marshal(domain.ActivityEvent{UserID: "ext-user-1", EventName: "lesson.completed"})

	if dispatchActivity(handlers, "activity.tracked", body) {
		t.Fatal("expected requeue when the handler reports failure")
	}
}

func TestDispatchActivity_MissingTimestampDefaultsToNow(t *testing.T) {
	var got domain.ActivityEvent
	handlers := map[string]ActivityHandler{
		"activity.tracked": func(evt domain.ActivityEvent) bool {
			got = evt
			return true
		},
	}

	dispatchActivity(handlers, "activity.tracked", []byte(`{"user_id":"ext-user-1","event_name":"lesson.completed"}`))
	if got.Timestamp.IsZero() {
		t.Fatal("expected a defaulted timestamp for payloads without one")
	}
}
