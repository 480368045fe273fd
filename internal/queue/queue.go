// Package queue serializes landings per target branch. Entries wait in
// priority-then-position order; Next claims the head atomically and runs the
// landing through a caller-supplied function so the queue stays ignorant of
// sync mechanics.
package queue

import (
	"context"

	"go.uber.org/zap"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/events/bus"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// LandFunc lands one claimed entry on its target. The coordinator supplies
// the sync strategy and cascade follow-up.
type LandFunc func(ctx context.Context, entry *v1.QueueEntry) (*v1.SyncResult, error)

// Service is the per-target merge queue over the store.
type Service struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// New builds a queue service.
func New(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:  st,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "merge-queue")),
	}
}

// Enqueue adds an execution to a target's queue. An execution may hold at
// most one live entry.
func (s *Service) Enqueue(ctx context.Context, entry *v1.QueueEntry) (*v1.QueueEntry, error) {
	if entry.Target == "" || entry.ExecutionID == "" || entry.StreamID == "" {
		return nil, apierr.Validation("queue entry requires target, execution and stream")
	}
	if existing, err := s.store.GetQueueEntryByExecution(ctx, entry.ExecutionID); err == nil {
		return nil, apierr.Conflict("execution %s is already queued on %s", entry.ExecutionID, existing.Target)
	}
	if err := s.store.EnqueueEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("execution enqueued",
		zap.String("execution_id", entry.ExecutionID),
		zap.String("target", entry.Target),
		zap.Int("priority", entry.Priority),
		zap.Int("position", entry.Position))
	s.publish(entry.Target)
	return entry, nil
}

// Dequeue cancels an execution's pending entry. Dequeuing an execution with
// no live entry is a no-op. A merging entry cannot be dequeued; cancel the
// landing instead.
func (s *Service) Dequeue(ctx context.Context, executionID string) error {
	entry, err := s.store.GetQueueEntryByExecution(ctx, executionID)
	if err != nil {
		if apierr.KindOf(err) == v1.ErrNotFound {
			return nil
		}
		return err
	}
	if entry.Status == v1.QueueEntryMerging {
		return apierr.Conflict("entry for execution %s is merging", executionID)
	}
	if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, v1.QueueEntryCancelled, nil); err != nil {
		return err
	}
	s.publish(entry.Target)
	return nil
}

// Position returns the execution's 1-based place in its target queue, with
// the merging entry counted as position zero.
func (s *Service) Position(ctx context.Context, executionID string) (int, error) {
	entry, err := s.store.GetQueueEntryByExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if entry.Status == v1.QueueEntryMerging {
		return 0, nil
	}
	pending, err := s.store.ListQueue(ctx, entry.Target)
	if err != nil {
		return 0, err
	}
	for i, e := range pending {
		if e.ExecutionID == executionID {
			return i + 1, nil
		}
	}
	return 0, apierr.NotFound("queue entry for execution", executionID)
}

// Status reports a target's merging entry and pending entries in merge order.
func (s *Service) Status(ctx context.Context, target string) (*v1.QueueStatusResponse, error) {
	merging, err := s.store.MergingEntry(ctx, target)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListQueue(ctx, target)
	if err != nil {
		return nil, err
	}
	resp := &v1.QueueStatusResponse{
		Target:  target,
		Merging: merging,
		Entries: make([]v1.QueueEntry, 0, len(pending)),
	}
	for _, e := range pending {
		resp.Entries = append(resp.Entries, *e)
	}
	return resp, nil
}

// Targets lists targets with live entries.
func (s *Service) Targets(ctx context.Context) ([]string, error) {
	return s.store.QueueTargets(ctx)
}

// Next advances a target's queue by one entry: claim the head, land it, and
// record the outcome. An empty or busy queue returns a MergeResult with no
// entry rather than an error.
func (s *Service) Next(ctx context.Context, target string, land LandFunc) (*v1.MergeResult, error) {
	if target == "" {
		return nil, apierr.Validation("queue target is required")
	}
	entry, err := s.store.ClaimNextQueueEntry(ctx, target)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &v1.MergeResult{}, nil
	}
	s.publish(target)

	log := s.logger.WithExecutionID(entry.ExecutionID)
	result, landErr := land(ctx, entry)
	if landErr != nil {
		msg := landErr.Error()
		if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, v1.QueueEntryFailed, &msg); err != nil {
			log.Error("queue entry not marked failed", zap.Error(err))
		}
		entry.Status = v1.QueueEntryFailed
		entry.Error = &msg
		s.publish(target)
		log.Warn("queue landing failed", zap.String("target", target), zap.Error(landErr))
		return &v1.MergeResult{Entry: entry, Error: msg}, nil
	}

	if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, v1.QueueEntryLanded, nil); err != nil {
		log.Error("queue entry not marked landed", zap.Error(err))
	}
	entry.Status = v1.QueueEntryLanded
	s.publish(target)
	log.Info("queue landing succeeded",
		zap.String("target", target),
		zap.String("commit", result.Commit))
	return &v1.MergeResult{Entry: entry, Result: result}, nil
}

// Drain processes a target until its queue is empty or an entry fails.
func (s *Service) Drain(ctx context.Context, target string, land LandFunc) ([]*v1.MergeResult, error) {
	var results []*v1.MergeResult
	for {
		res, err := s.Next(ctx, target, land)
		if err != nil {
			return results, err
		}
		if res.Entry == nil {
			return results, nil
		}
		results = append(results, res)
		if res.Error != "" {
			return results, nil
		}
	}
}

func (s *Service) publish(target string) {
	if s.bus == nil {
		return
	}
	status, err := s.Status(context.Background(), target)
	if err != nil {
		return
	}
	if err := s.bus.Publish(context.Background(), v1.QueueSubject(target),
		bus.NewEvent(v1.EventQueueUpdated, "merge-queue", status)); err != nil {
		s.logger.Debug("queue event publish failed", zap.Error(err))
	}
}
