package notifications

import (
	"context"
	"encoding/json"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/starforgehq/starforge-backend/pkg/enums"
	"github.com/starforgehq/starforge-backend/pkg/logger"
)

// JobEvent tells the requesting surface how a job ended and where the
// balance stands afterwards. Failure events carry the post-refund balance,
// so "job failed" and "balance restored" always arrive together.
type JobEvent struct {
	JobID      uuid.UUID      `json:"job_id"`
	AccountID  uuid.UUID      `json:"account_id"`
	Kind       enums.JobKind  `json:"kind"`
	State      enums.JobState `json:"state"`
	Balance    int64          `json:"balance"`
	Reason     string         `json:"reason,omitempty"`
	Refunded   bool           `json:"refunded,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier delivers terminal job outcomes to interested surfaces.
// Delivery is fire-and-forget: failures are logged, never propagated, so a
// broken notification channel cannot stall settlement.
type Notifier interface {
	JobFinished(ctx context.Context, event JobEvent)
}

type pubsubNotifier struct {
	publisher *pubsubv2.Publisher
	logger    *logger.Logger
}

// NewPubSubNotifier publishes job events to the configured topic.
func NewPubSubNotifier(publisher *pubsubv2.Publisher, logg *logger.Logger) Notifier {
	return &pubsubNotifier{publisher: publisher, logger: logg}
}

func (n *pubsubNotifier) JobFinished(ctx context.Context, event JobEvent) {
	payload, err := encodeEvent(event)
	if err != nil {
		n.logger.Error(ctx, "encoding job event", err)
		return
	}
	if n.publisher == nil {
		n.logger.Warn(ctx, "job events publisher not configured, dropping event")
		return
	}

	result := n.publisher.Publish(ctx, &pubsubv2.Message{
		Data: payload,
		Attributes: map[string]string{
			"state": event.State.String(),
			"kind":  event.Kind.String(),
		},
	})
	go func() {
		if _, err := result.Get(context.WithoutCancel(ctx)); err != nil {
			n.logger.Error(ctx, "publishing job event", err)
		}
	}()
}

func encodeEvent(event JobEvent) ([]byte, error) {
	return json.Marshal(event)
}

type noopNotifier struct{}

// NewNoopNotifier returns a notifier that drops every event. Used when no
// event topic is configured and in tests.
func NewNoopNotifier() Notifier {
	return noopNotifier{}
}

func (noopNotifier) JobFinished(context.Context, JobEvent) {}
