package application

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

const (
	msgTaskAlreadyCompleted = "Task already completed"
	msgCancellationRequest  = "Task cancellation requested"
)

// Submit expects an identity that was already verified.
// It applies the per-key rate limit and backlog admission, then dispatches.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.TaskHandle, error) {
	resource, err := domain.ParseResource(req.Resource)
	if err != nil {
		return domain.TaskHandle{}, err
	}
	model, _ := req.Payload["model"].(string)
	if req.Model != "" {
		model = req.Model
	}
	taskName, err := domain.TaskName(resource, model)
	if err != nil {
		return domain.TaskHandle{}, err
	}
	if err := s.checkRateLimit(ctx, req.Identity); err != nil {
		return domain.TaskHandle{}, err
	}
	if err := s.Admit(ctx); err != nil {
		return domain.TaskHandle{}, err
	}
	return s.Dispatch(ctx, taskName, s.RouteQueue(resource, taskName), req.Payload, req.Identity)
}

// RouteQueue resolves the broker queue for a task name.
func (s *Service) RouteQueue(resource domain.Resource, taskName string) string {
	if queue, ok := s.cfg.Routing.TaskQueues[taskName]; ok && queue != "" {
		return queue
	}
	if queue, ok := s.cfg.Routing.ResourceQueues[resource]; ok && queue != "" {
		return queue
	}
	return s.cfg.Routing.DefaultQueue
}

// Dispatch enqueues one job. It never retries: a broker failure surfaces as
// ErrDispatch and nothing is recorded.
func (s *Service) Dispatch(ctx context.Context, taskName, queue string, payload map[string]any, identity domain.Identity) (domain.TaskHandle, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	envelope := domain.TaskEnvelope{
		ID:         s.newID(),
		TaskName:   taskName,
		Queue:      queue,
		Payload:    payload,
		Identity:   identity,
		EnqueuedAt: s.nowFn(),
	}
	if err := s.broker.Enqueue(ctx, envelope); err != nil {
		s.logger.ErrorContext(ctx, "task dispatch failed",
			"operation", "dispatch",
			"outcome", "failure",
			"task_name", taskName,
			"queue", queue,
			"error", err,
		)
		return domain.TaskHandle{}, fmt.Errorf("%w: %v", domain.ErrDispatch, err)
	}

	s.recordSubmission(ctx, envelope)
	s.publishEvent(ctx, eventTypeTaskDispatched, envelope.ID.String(), map[string]any{
		"task_id":   envelope.ID.String(),
		"task_name": taskName,
		"queue":     queue,
		"key_id":    identity.KeyID,
		"user_id":   identity.UserID,
	})
	s.logger.InfoContext(ctx, "task dispatched",
		"operation", "dispatch",
		"outcome", "success",
		"task_id", envelope.ID.String(),
		"task_name", taskName,
		"queue", queue,
		"key_name", identity.KeyName,
		"user_id", identity.UserID,
		"machine_id", identity.MachineID,
	)
	return domain.TaskHandle{ID: envelope.ID, Status: domain.TaskPending, Queue: queue}, nil
}

// GetStatus merges backend state, queue position and execution metadata.
func (s *Service) GetStatus(ctx context.Context, resource string, taskID uuid.UUID) (domain.TaskRecord, error) {
	state, err := s.loadState(ctx, resource, taskID)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	record := domain.TaskRecord{
		ID:       taskID,
		TaskName: state.TaskName,
		Status:   state.Status,
		Queue:    state.Queue,
		Error:    state.Error,
	}

	if state.Status == domain.TaskPending {
		pos, err := s.pendingPosition(ctx, taskID)
		if err != nil {
			return domain.TaskRecord{}, err
		}
		if pos != nil {
			record.QueuePosition = pos
			record.Queue = pos.Queue
			record.Logs = append(record.Logs, pos.LogLine())
		}
	}
	record.Logs = append(record.Logs, state.Logs...)

	if state.Status == domain.TaskSuccess {
		record.Result = state.Result
		record.ResultURL = s.resultURL(ctx, taskID)
	}
	if info := s.lookupTaskInfo(ctx, taskID); len(info) > 0 {
		record.Info = info
	}
	return record, nil
}

// Cancel asks the broker to stop the task wherever it is. Terminal tasks
// are reported as already completed.
func (s *Service) Cancel(ctx context.Context, resource string, taskID uuid.UUID) (domain.DeleteResponse, error) {
	state, err := s.loadState(ctx, resource, taskID)
	if err != nil {
		return domain.DeleteResponse{}, err
	}
	if state.Status.IsTerminal() {
		return domain.DeleteResponse{ID: taskID, Status: state.Status, Message: msgTaskAlreadyCompleted}, nil
	}
	if state.Status == domain.TaskPending {
		if _, err := s.pendingPosition(ctx, taskID); err != nil {
			return domain.DeleteResponse{}, err
		}
	}
	revoked, err := s.broker.Revoke(ctx, taskID, s.cfg.Queues)
	if err != nil {
		s.logger.ErrorContext(ctx, "task cancellation failed",
			"operation", "cancel",
			"outcome", "failure",
			"task_id", taskID.String(),
			"error", err,
		)
		return domain.DeleteResponse{}, fmt.Errorf("%w: revoke: %v", domain.ErrBrokerUnavailable, err)
	}
	if !revoked {
		// A worker reached a terminal state first.
		current, err := s.loadState(ctx, resource, taskID)
		if err != nil {
			return domain.DeleteResponse{}, err
		}
		if !current.Status.IsTerminal() {
			return domain.DeleteResponse{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
		}
		return domain.DeleteResponse{ID: taskID, Status: current.Status, Message: msgTaskAlreadyCompleted}, nil
	}

	now := s.nowFn()
	if s.submissions != nil {
		if err := s.submissions.MarkCancelled(ctx, taskID, now); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "failed to record cancellation",
				"operation", "cancel",
				"outcome", "failure",
				"task_id", taskID.String(),
				"error", err,
			)
		}
	}
	s.publishEvent(ctx, eventTypeTaskCancelled, taskID.String(), map[string]any{
		"task_id":         taskID.String(),
		"previous_status": string(state.Status),
		"cancelled_at":    now,
	})
	s.logger.InfoContext(ctx, "task cancellation requested",
		"operation", "cancel",
		"outcome", "success",
		"task_id", taskID.String(),
		"previous_status", string(state.Status),
	)
	return domain.DeleteResponse{ID: taskID, Status: domain.TaskRevoked, Message: msgCancellationRequest}, nil
}

// ReadResult returns the stored result bytes for a signed download link.
func (s *Service) ReadResult(ctx context.Context, taskID uuid.UUID, token string) ([]byte, error) {
	if s.links == nil {
		return nil, domain.ErrNotImplemented
	}
	if err := s.links.Verify(token, taskID.String()); err != nil {
		return nil, err
	}
	state, err := s.broker.State(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: load state: %v", domain.ErrBrokerUnavailable, err)
	}
	if state.Status != domain.TaskSuccess || len(state.Result) == 0 {
		return nil, fmt.Errorf("%w: no result for task %s", domain.ErrNotFound, taskID)
	}
	return state.Result, nil
}

// pendingPosition resolves where a PENDING task waits. A task that sits in
// no queue and has no live dispatch marker was never dispatched, or expired,
// and is reported as ErrNotFound.
func (s *Service) pendingPosition(ctx context.Context, taskID uuid.UUID) (*domain.QueuePosition, error) {
	pos, err := s.GetQueuePosition(ctx, taskID)
	if err != nil || pos != nil {
		return pos, err
	}
	dispatched, err := s.broker.Dispatched(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: dispatch marker: %v", domain.ErrBrokerUnavailable, err)
	}
	if !dispatched {
		return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	return nil, nil
}

// loadState reads backend state and hides tasks that belong to another
// resource surface.
func (s *Service) loadState(ctx context.Context, resource string, taskID uuid.UUID) (domain.TaskState, error) {
	if resource != "" {
		parsed, err := domain.ParseResource(resource)
		if err != nil {
			return domain.TaskState{}, err
		}
		resource = string(parsed)
	}
	state, err := s.broker.State(ctx, taskID)
	if err != nil {
		return domain.TaskState{}, fmt.Errorf("%w: load state: %v", domain.ErrBrokerUnavailable, err)
	}
	if resource != "" && state.TaskName != "" && !strings.HasPrefix(state.TaskName, resource+".") {
		return domain.TaskState{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	return state, nil
}

func (s *Service) lookupTaskInfo(ctx context.Context, taskID uuid.UUID) map[string]any {
	if s.taskInfo == nil {
		return nil
	}
	info, err := s.taskInfo.TaskInfo(ctx, taskID.String())
	if err != nil {
		s.logger.WarnContext(ctx, "task info unavailable",
			"operation", "get_status",
			"outcome", "degraded",
			"task_id", taskID.String(),
			"error", err,
		)
		return nil
	}
	return info
}

func (s *Service) resultURL(ctx context.Context, taskID uuid.UUID) string {
	if s.links == nil {
		return ""
	}
	token, err := s.links.Sign(taskID.String(), s.cfg.ResultLinkTTL)
	if err != nil {
		s.logger.WarnContext(ctx, "result link signing failed",
			"operation", "get_status",
			"outcome", "degraded",
			"task_id", taskID.String(),
			"error", err,
		)
		return ""
	}
	return strings.TrimRight(s.cfg.ResultURLBase, "/") + "/api/files/" + taskID.String() + "?token=" + url.QueryEscape(token)
}

func (s *Service) recordSubmission(ctx context.Context, envelope domain.TaskEnvelope) {
	if s.submissions == nil {
		return
	}
	err := s.submissions.Insert(ctx, ports.Submission{
		TaskID:      envelope.ID,
		TaskName:    envelope.TaskName,
		Queue:       envelope.Queue,
		KeyID:       envelope.Identity.KeyID,
		KeyName:     envelope.Identity.KeyName,
		UserID:      envelope.Identity.UserID,
		MachineID:   envelope.Identity.MachineID,
		ClientIP:    envelope.Identity.ClientIP,
		SubmittedAt: envelope.EnqueuedAt,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to persist submission",
			"operation", "record_submission",
			"outcome", "failure",
			"task_id", envelope.ID.String(),
			"error", err,
		)
	}
}
