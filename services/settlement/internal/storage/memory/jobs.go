package memory

import (
	"context"
	"sort"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/google/uuid"
)

func prepareJob(job *storage.Job) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = storage.JobPending
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
}

func (s *Store) EnqueueJob(_ context.Context, job *storage.Job) error {
	prepareJob(job)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.jobs[job.ID] = *job
	}
	return nil
}

func (s *Store) ClaimJobs(_ context.Context, limit int, now time.Time) ([]storage.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]storage.Job, 0)
	for _, j := range s.jobs {
		if j.Status == storage.JobPending && !j.ScheduledFor.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].ScheduledFor.Equal(due[k].ScheduledFor) {
			return due[i].CreatedAt.Before(due[k].CreatedAt)
		}
		return due[i].ScheduledFor.Before(due[k].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		lockedAt := now
		due[i].Status = storage.JobProcessing
		due[i].Attempts++
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *Store) CompleteJob(_ context.Context, id uuid.UUID, now time.Time) error {
	return s.updateProcessing(id, func(j *storage.Job) {
		completed := now
		j.Status = storage.JobCompleted
		j.CompletedAt = &completed
		j.LastError = ""
		j.UpdatedAt = now
	})
}

func (s *Store) RetryJob(_ context.Context, id uuid.UUID, scheduledFor time.Time, lastErr string) error {
	return s.updateProcessing(id, func(j *storage.Job) {
		j.Status = storage.JobPending
		j.ScheduledFor = scheduledFor
		j.LastError = lastErr
		j.UpdatedAt = time.Now().UTC()
	})
}

func (s *Store) FailJob(_ context.Context, id uuid.UUID, lastErr string, now time.Time) error {
	return s.updateProcessing(id, func(j *storage.Job) {
		j.Status = storage.JobFailed
		j.LastError = lastErr
		j.UpdatedAt = now
	})
}

func (s *Store) updateProcessing(id uuid.UUID, apply func(*storage.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != storage.JobProcessing {
		return storage.ErrNotFound
	}
	apply(&j)
	j.LockedAt = nil
	s.jobs[id] = j
	return nil
}

func (s *Store) RecoverStaleJobs(_ context.Context, lockedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status != storage.JobProcessing || j.LockedAt == nil || !j.LockedAt.Before(lockedBefore) {
			continue
		}
		j.Status = storage.JobPending
		if j.Attempts >= j.MaxAttempts {
			j.Status = storage.JobFailed
		}
		j.LastError = "worker lease expired"
		j.LockedAt = nil
		j.UpdatedAt = time.Now().UTC()
		s.jobs[id] = j
		n++
	}
	return n, nil
}

func (s *Store) PurgeCompletedJobs(_ context.Context, completedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status == storage.JobCompleted && j.CompletedAt != nil && j.CompletedAt.Before(completedBefore) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) RequeueJob(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != storage.JobFailed {
		return storage.ErrNotFound
	}
	j.Status = storage.JobPending
	j.Attempts = 0
	j.ScheduledFor = now
	j.LastError = ""
	j.UpdatedAt = now
	s.jobs[id] = j
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return storage.Job{}, storage.ErrNotFound
	}
	return j, nil
}

func (s *Store) ListJobs(_ context.Context, status string, limit int) ([]storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Job, 0)
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
