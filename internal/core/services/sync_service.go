package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

const (
	DefaultRequestTimeout = 30 * time.Second

	sweepKey = "sweep"
	retryKey = "retry"
)

var errSkipped = errors.New("change claimed elsewhere")

type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Error      int `json:"error"`
}

type SyncOptions struct {
	// RequestTimeout bounds each upstream call of a sweep.
	RequestTimeout time.Duration

	// MaxRetries caps RetryFailedChanges; 0 leaves retries to the caller.
	MaxRetries int

	// PruneCompleted deletes completed changes at the end of each sweep.
	PruneCompleted bool

	// Locker coordinates sweeps across processes sharing the same store.
	Locker domain.SyncLocker
}

type SyncService struct {
	repo    domain.PendingChangeRepository
	applier domain.MutationApplier
	opts    SyncOptions

	flights singleflight.Group
	running sync.Mutex

	clockMu  sync.Mutex
	lastTime int64
	now      func() time.Time
}

func NewSyncService(repo domain.PendingChangeRepository, applier domain.MutationApplier, opts SyncOptions) *SyncService {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	return &SyncService{
		repo:    repo,
		applier: applier,
		opts:    opts,
		now:     time.Now,
	}
}

// Enqueue records a mutation made by the user. A storage failure is returned
// as is: the mutation was not saved and the caller has to say so.
func (s *SyncService) Enqueue(ctx context.Context, entity string, action domain.ChangeAction, payload json.RawMessage) (*domain.PendingChange, error) {
	change := domain.NewPendingChange(entity, action, payload, s.nextTimestamp())

	if err := change.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, change); err != nil {
		log.Printf("[SYNC] Failed to enqueue %s %s: %v", change.Action, change.Entity, err)
		return nil, err
	}

	log.Printf("[SYNC] Enqueued %s %s (%s)", change.Action, change.Entity, change.ID)
	return change, nil
}

func (s *SyncService) GetPendingChanges(ctx context.Context) ([]*domain.PendingChange, error) {
	return s.repo.List(ctx)
}

func (s *SyncService) GetChange(ctx context.Context, id string) (*domain.PendingChange, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *SyncService) GetPendingChangesCountByStatus(ctx context.Context, status domain.ChangeStatus) (int, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidChange, status)
	}
	return s.repo.CountByStatus(ctx, status)
}

func (s *SyncService) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	targets := []struct {
		status domain.ChangeStatus
		dst    *int
	}{
		{domain.StatusPending, &stats.Pending},
		{domain.StatusProcessing, &stats.Processing},
		{domain.StatusCompleted, &stats.Completed},
		{domain.StatusError, &stats.Error},
	}

	for _, t := range targets {
		n, err := s.repo.CountByStatus(ctx, t.status)
		if err != nil {
			return QueueStats{}, err
		}
		*t.dst = n
	}
	return stats, nil
}

// SyncPendingChanges applies every pending change upstream, oldest first.
// Callers arriving while a sweep is running wait for it and share its result.
// The sweep is detached from the caller: a caller that gives up gets ctx.Err()
// while the sweep carries on and records every outcome.
func (s *SyncService) SyncPendingChanges(ctx context.Context) (SyncResult, error) {
	return s.join(ctx, sweepKey, func(ctx context.Context) (SyncResult, error) {
		return s.sweep(ctx)
	})
}

// RetryFailedChanges moves errored changes back to pending and sweeps again.
// The reset and the sweep run as one unit, after any sweep already running.
func (s *SyncService) RetryFailedChanges(ctx context.Context) (SyncResult, error) {
	n, err := s.repo.CountByStatus(ctx, domain.StatusError)
	if err != nil {
		return SyncResult{}, err
	}
	if n == 0 {
		return SyncResult{}, nil
	}

	return s.join(ctx, retryKey, s.retry)
}

func (s *SyncService) retry(ctx context.Context) (SyncResult, error) {
	failed, err := s.repo.ListByStatus(ctx, domain.StatusError)
	if err != nil {
		return SyncResult{}, err
	}
	if len(failed) == 0 {
		return SyncResult{}, nil
	}

	reset := 0
	for _, change := range failed {
		if s.opts.MaxRetries > 0 && change.RetryCount >= s.opts.MaxRetries {
			continue
		}
		if err := change.ResetForRetry(); err != nil {
			return SyncResult{}, err
		}
		if err := s.repo.Update(ctx, change); err != nil {
			return SyncResult{}, err
		}
		reset++
	}

	if reset == 0 {
		log.Printf("[SYNC] %d failed changes reached the retry limit of %d", len(failed), s.opts.MaxRetries)
		return SyncResult{}, nil
	}

	log.Printf("[SYNC] Retrying %d failed changes", reset)
	return s.sweep(ctx)
}

// join runs work once per key at a time and serializes it with every other
// run of the service, so two sweeps never overlap.
func (s *SyncService) join(ctx context.Context, key string, work func(context.Context) (SyncResult, error)) (SyncResult, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(key, func() (any, error) {
		s.running.Lock()
		defer s.running.Unlock()
		return work(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			log.Printf("[SYNC] Joined %s already in progress", key)
		}
		result, _ := res.Val.(SyncResult)
		return result, res.Err
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
}

// ClearCompleted prunes changes the server already accepted.
func (s *SyncService) ClearCompleted(ctx context.Context) (int, error) {
	return s.repo.DeleteByStatus(ctx, domain.StatusCompleted)
}

// RecoverInterrupted marks changes a previous process left in processing as
// failed, so they become eligible for retry.
func (s *SyncService) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := s.repo.ListByStatus(ctx, domain.StatusProcessing)
	if err != nil {
		return 0, err
	}

	for _, change := range stuck {
		if err := change.MarkFailed("interrupted before the server answered"); err != nil {
			return 0, err
		}
		if err := s.repo.Update(ctx, change); err != nil {
			return 0, err
		}
	}

	if len(stuck) > 0 {
		log.Printf("[SYNC] Recovered %d interrupted changes", len(stuck))
	}
	return len(stuck), nil
}

func (s *SyncService) sweep(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	if s.opts.Locker != nil {
		acquired, err := s.opts.Locker.TryLock(ctx)
		if err != nil {
			return result, err
		}
		if !acquired {
			log.Println("[SYNC] Another process holds the sync lease, skipping sweep")
			return result, nil
		}
		defer func() {
			if err := s.opts.Locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.Printf("[SYNC] Failed to release sync lease: %v", err)
			}
		}()
	}

	pending, err := s.repo.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	log.Printf("[SYNC] Sweep started: %d pending changes", len(pending))

	for _, change := range pending {
		if s.opts.Locker != nil {
			held, err := s.opts.Locker.Extend(ctx)
			if err != nil {
				return result, err
			}
			if !held {
				log.Printf("[SYNC] Sync lease lost, stopping sweep after %d changes", result.Success+result.Failed)
				return result, nil
			}
		}

		ok, err := s.process(ctx, change)
		if errors.Is(err, errSkipped) {
			continue
		}
		if err != nil {
			log.Printf("[SYNC] Sweep aborted on storage failure: %v", err)
			return result, err
		}
		if ok {
			result.Success++
		} else {
			result.Failed++
		}
	}

	if s.opts.PruneCompleted && result.Success > 0 {
		if _, err := s.repo.DeleteByStatus(ctx, domain.StatusCompleted); err != nil {
			return result, err
		}
	}

	log.Printf("[SYNC] Sweep finished: %d succeeded, %d failed", result.Success, result.Failed)
	return result, nil
}

// process drives one change to a terminal state for this sweep. The returned
// error is reserved for local storage failures. A change whose stored status
// moved on since the sweep listed it belongs to someone else and is skipped.
func (s *SyncService) process(ctx context.Context, change *domain.PendingChange) (bool, error) {
	from := change.Status
	if err := change.MarkProcessing(); err != nil {
		return false, err
	}
	claimed, err := s.repo.Claim(ctx, change, from)
	if err != nil {
		return false, err
	}
	if !claimed {
		log.Printf("[SYNC] Change %s was taken by another sweep, skipping", change.ID)
		return false, errSkipped
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	applyErr := s.applier.Apply(reqCtx, change)
	cancel()

	if applyErr == nil {
		if err := change.MarkCompleted(); err != nil {
			return false, err
		}
		return true, s.repo.Update(ctx, change)
	}

	if errors.Is(applyErr, context.DeadlineExceeded) {
		applyErr = &domain.SyncNetworkError{Entity: change.Entity, Message: "request timed out", Err: applyErr}
	}

	log.Printf("[SYNC] Change %s (%s %s) failed: %v", change.ID, change.Action, change.Entity, applyErr)

	if err := change.MarkFailed(applyErr.Error()); err != nil {
		return false, err
	}
	return false, s.repo.Update(ctx, change)
}

// nextTimestamp hands out strictly increasing millisecond timestamps so
// replay order matches enqueue order even within the same millisecond.
func (s *SyncService) nextTimestamp() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	ts := s.now().UnixMilli()
	if ts <= s.lastTime {
		ts = s.lastTime + 1
	}
	s.lastTime = ts
	return ts
}
