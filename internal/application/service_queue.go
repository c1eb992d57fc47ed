package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

// GetQueuePosition scans the queues in priority order and returns the
// 1-based position of the first entry mentioning taskID, or nil when the
// task is not waiting anywhere. The result is a snapshot.
func (s *Service) GetQueuePosition(ctx context.Context, taskID uuid.UUID) (*domain.QueuePosition, error) {
	needle := taskID.String()
	for _, queue := range s.cfg.Queues {
		entries, err := s.broker.QueueEntries(ctx, queue, s.cfg.QueueScanLimit)
		if err != nil {
			return nil, fmt.Errorf("%w: scan queue %s: %v", domain.ErrBrokerUnavailable, queue, err)
		}
		for i, entry := range entries {
			if !strings.Contains(entry, needle) {
				continue
			}
			total := int64(len(entries))
			if s.cfg.QueueScanLimit > 0 {
				if total, err = s.broker.QueueLength(ctx, queue); err != nil {
					return nil, fmt.Errorf("%w: queue length %s: %v", domain.ErrBrokerUnavailable, queue, err)
				}
			}
			pos := &domain.QueuePosition{Queue: queue, Position: i + 1, Total: int(total)}
			s.logger.DebugContext(ctx, pos.LogLine(),
				"operation", "get_queue_position",
				"outcome", "found",
				"task_id", needle,
			)
			return pos, nil
		}
	}
	return nil, nil
}
