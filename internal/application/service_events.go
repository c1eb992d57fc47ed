package application

import (
	"context"
	"encoding/json"
)

const (
	// eventTypeTaskDispatched is emitted after a job is enqueued.
	eventTypeTaskDispatched = "task.dispatched"
	// eventTypeTaskCancelled is emitted when a cancellation is requested.
	eventTypeTaskCancelled = "task.cancelled"
	eventTypeAPIKeyCreated = "apikey.created"
	eventTypeAPIKeyRevoked = "apikey.revoked"
)

// publishEvent is best effort: lifecycle events never fail the request.
func (s *Service) publishEvent(ctx context.Context, eventType, partitionKey string, data map[string]any) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event_type":  eventType,
		"occurred_at": s.nowFn(),
		"data":        data,
	})
	if err != nil {
		return
	}
	if err := s.events.Publish(ctx, eventType, payload, partitionKey); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			"operation", "publish_event",
			"outcome", "failure",
			"event_type", eventType,
			"error", err,
		)
	}
}
