package durable

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage is an in-process Storage. It enforces the same uniqueness
// and versioning rules as the SQL backends and is safe for concurrent use.
type MemoryStorage struct {
	mutex       sync.RWMutex
	runs        map[string]*Run
	runOrder    []string
	callerKeys  map[string]string
	checkpoints map[string][]*Checkpoint
	resultKeys  map[string]*Checkpoint
	now         func() time.Time
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:        map[string]*Run{},
		callerKeys:  map[string]string{},
		checkpoints: map[string][]*Checkpoint{},
		resultKeys:  map[string]*Checkpoint{},
		now:         time.Now,
	}
}

// SetClock replaces the clock used for lease expiry.
func (s *MemoryStorage) SetClock(now func() time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.now = now
}

func (s *MemoryStorage) CreateRun(ctx context.Context, run *Run) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ConflictError("run %s already exists", run.ID)
	}
	if _, ok := s.callerKeys[run.CallerIdempotencyKey]; ok {
		return ConflictError("caller idempotency key %q already used", run.CallerIdempotencyKey)
	}
	s.runs[run.ID] = run.Copy()
	s.runOrder = append(s.runOrder, run.ID)
	s.callerKeys[run.CallerIdempotencyKey] = run.ID
	return nil
}

func (s *MemoryStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, NotFoundError("run %s not found", id)
	}
	return run.Copy(), nil
}

func (s *MemoryStorage) GetRunByCallerKey(ctx context.Context, key string) (*Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, ok := s.callerKeys[key]
	if !ok {
		return nil, NotFoundError("no run for caller idempotency key %q", key)
	}
	return s.runs[id].Copy(), nil
}

func (s *MemoryStorage) UpdateRun(ctx context.Context, run *Run) (*Run, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return nil, NotFoundError("run %s not found", run.ID)
	}
	if stored.Version != run.Version {
		return nil, ConflictError("run %s version %d is stale (stored %d)", run.ID, run.Version, stored.Version)
	}
	stored.Status = run.Status
	stored.Output = copyMapOrNil(run.Output)
	stored.Context = copyMap(run.Context)
	stored.CurrentIteration = run.CurrentIteration
	stored.StartedAt = copyTime(run.StartedAt)
	stored.CompletedAt = copyTime(run.CompletedAt)
	stored.CancelledAt = copyTime(run.CancelledAt)
	stored.Error = run.Error
	stored.UpdatedAt = run.UpdatedAt
	stored.Version++
	return stored.Copy(), nil
}

func (s *MemoryStorage) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var runs []*Run
	for _, id := range s.runOrder {
		run := s.runs[id]
		if !filter.Matches(run) {
			continue
		}
		runs = append(runs, run.Copy())
		if filter.Limit > 0 && len(runs) >= filter.Limit {
			break
		}
	}
	return runs, nil
}

func (s *MemoryStorage) LastSequence(ctx context.Context, runID string) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoints := s.checkpoints[runID]
	if len(checkpoints) == 0 {
		return 0, nil
	}
	return checkpoints[len(checkpoints)-1].Sequence, nil
}

func (s *MemoryStorage) InsertCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.runs[checkpoint.RunID]; !ok {
		return NotFoundError("run %s not found", checkpoint.RunID)
	}
	checkpoints := s.checkpoints[checkpoint.RunID]
	i := sort.Search(len(checkpoints), func(i int) bool {
		return checkpoints[i].Sequence >= checkpoint.Sequence
	})
	if i < len(checkpoints) && checkpoints[i].Sequence == checkpoint.Sequence {
		return ConflictError("run %s already has sequence %d", checkpoint.RunID, checkpoint.Sequence)
	}
	if checkpoint.Type == CheckpointToolResult {
		if _, ok := s.resultKeys[checkpoint.IdempotencyKey]; ok {
			return ConflictError("tool result for key %q already recorded", checkpoint.IdempotencyKey)
		}
	}

	stored := checkpoint.Copy()
	checkpoints = append(checkpoints, nil)
	copy(checkpoints[i+1:], checkpoints[i:])
	checkpoints[i] = stored
	s.checkpoints[checkpoint.RunID] = checkpoints
	if stored.Type == CheckpointToolResult {
		s.resultKeys[stored.IdempotencyKey] = stored
	}
	return nil
}

func (s *MemoryStorage) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoints := s.checkpoints[runID]
	result := make([]*Checkpoint, 0, len(checkpoints))
	for _, c := range checkpoints {
		result = append(result, c.Copy())
	}
	return result, nil
}

func (s *MemoryStorage) FindCheckpointByKey(ctx context.Context, key string, checkpointType CheckpointType) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if checkpointType == CheckpointToolResult {
		if c, ok := s.resultKeys[key]; ok {
			return c.Copy(), nil
		}
		return nil, NotFoundError("no %s checkpoint for key %q", checkpointType, key)
	}
	parts, err := ParseToolCallKey(key)
	if err != nil {
		return nil, NotFoundError("no %s checkpoint for key %q", checkpointType, key)
	}
	for _, c := range s.checkpoints[parts.RunID] {
		if c.Type == checkpointType && c.IdempotencyKey == key {
			return c.Copy(), nil
		}
	}
	return nil, NotFoundError("no %s checkpoint for key %q", checkpointType, key)
}

func (s *MemoryStorage) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (*Lease, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, NotFoundError("run %s not found", runID)
	}
	now := s.now()
	if run.LeaseOwner != "" && run.LeaseOwner != owner &&
		run.LeaseExpiresAt != nil && now.Before(*run.LeaseExpiresAt) {
		return nil, LeaseHeldError(runID, run.LeaseOwner)
	}
	expires := now.Add(ttl)
	run.LeaseOwner = owner
	run.LeaseExpiresAt = &expires
	return &Lease{RunID: runID, Owner: owner, ExpiresAt: expires}, nil
}

func (s *MemoryStorage) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, ok := s.runs[lease.RunID]
	if !ok {
		return nil, NotFoundError("run %s not found", lease.RunID)
	}
	now := s.now()
	if run.LeaseOwner != lease.Owner || run.LeaseExpiresAt == nil || !now.Before(*run.LeaseExpiresAt) {
		return nil, LeaseHeldError(lease.RunID, run.LeaseOwner)
	}
	expires := now.Add(ttl)
	run.LeaseExpiresAt = &expires
	return &Lease{RunID: lease.RunID, Owner: lease.Owner, ExpiresAt: expires}, nil
}

func (s *MemoryStorage) ReleaseLease(ctx context.Context, lease *Lease) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, ok := s.runs[lease.RunID]
	if !ok || run.LeaseOwner != lease.Owner {
		return nil
	}
	run.LeaseOwner = ""
	run.LeaseExpiresAt = nil
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func copyMapOrNil(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return copyMap(m)
}
