package notifications

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/starforgehq/starforge-backend/pkg/enums"
)

func TestEncodeEventCarriesOutcomeAndBalanceTogether(t *testing.T) {
	event := JobEvent{
		JobID:      uuid.New(),
		AccountID:  uuid.New(),
		Kind:       enums.JobKindGeneration,
		State:      enums.JobStateFailed,
		Balance:    275,
		Reason:     "provider reported failure",
		Refunded:   true,
		OccurredAt: time.Now().UTC(),
	}

	payload, err := encodeEvent(event)
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["state"] != "failed" {
		t.Fatalf("expected state failed, got %v", decoded["state"])
	}
	if decoded["balance"] != float64(275) {
		t.Fatalf("expected balance in the same event, got %v", decoded["balance"])
	}
	if decoded["refunded"] != true {
		t.Fatal("expected refunded flag set")
	}
}

func TestNoopNotifierIsSafe(t *testing.T) {
	n := NewNoopNotifier()
	n.JobFinished(context.Background(), JobEvent{JobID: uuid.New()})
}
