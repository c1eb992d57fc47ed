package application

import (
	"context"
	"fmt"

	"github.com/viralforge/deferred-diffusion/internal/domain"
)

// WaitingTasks sums the pending depth of every configured queue.
func (s *Service) WaitingTasks(ctx context.Context) (int64, error) {
	var total int64
	for _, queue := range s.cfg.Queues {
		n, err := s.broker.QueueLength(ctx, queue)
		if err != nil {
			return 0, fmt.Errorf("%w: queue length %s: %v", domain.ErrBrokerUnavailable, queue, err)
		}
		total += n
	}
	return total, nil
}

// Admit rejects new work once the summed backlog reaches the limit. The
// check is not atomic with the enqueue that follows, so concurrent callers
// may overshoot the limit slightly. A negative limit disables the check.
func (s *Service) Admit(ctx context.Context) error {
	if s.cfg.BacklogLimit < 0 {
		return nil
	}
	waiting, err := s.WaitingTasks(ctx)
	if err != nil {
		return err
	}
	if waiting >= s.cfg.BacklogLimit {
		s.logger.WarnContext(ctx, "task backlog exceeded",
			"operation", "admit",
			"outcome", "rejected",
			"waiting", waiting,
			"limit", s.cfg.BacklogLimit,
		)
		return &domain.BacklogError{Waiting: waiting, Limit: s.cfg.BacklogLimit}
	}
	return nil
}

func (s *Service) checkRateLimit(ctx context.Context, identity domain.Identity) error {
	if s.limiter == nil || s.cfg.RateLimit < 0 {
		return nil
	}
	key := identity.KeyID
	if key == "" {
		key = identity.ClientIP
	}
	allowed, err := s.limiter.Allow(ctx, key, s.cfg.RateLimit, s.cfg.RateLimitWindow)
	if err != nil {
		return fmt.Errorf("%w: rate limit: %v", domain.ErrBrokerUnavailable, err)
	}
	if !allowed {
		return domain.ErrRateLimited
	}
	return nil
}
