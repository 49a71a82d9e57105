package saga

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

type deadlineKey struct {
	at time.Time
	id string
}

func deadlineLess(a, b deadlineKey) bool {
	if a.at.Equal(b.at) {
		return a.id < b.id
	}
	return a.at.Before(b.at)
}

// MemoryStore is a thread-safe in-process Store. Records live in a
// concurrent map and conditional writes go through its atomic Compute.
// Running sagas with a deadline are indexed in a btree ordered by deadline.
type MemoryStore struct {
	records   *xsync.MapOf[string, *SagaState]
	deadlines *btree.BTreeG[deadlineKey]
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   xsync.NewMapOf[string, *SagaState](),
		deadlines: btree.NewBTreeG[deadlineKey](deadlineLess),
	}
}

func (s *MemoryStore) Create(ctx context.Context, state *SagaState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateNew(state); err != nil {
		return err
	}
	rec := state.Clone()
	if _, loaded := s.records.LoadOrStore(rec.SagaID, rec); loaded {
		return NewDuplicate(rec.SagaID)
	}
	s.index(nil, rec)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sagaID string) (*SagaState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.records.Load(sagaID)
	if !ok {
		return nil, NewNotFound(sagaID)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, sagaID string, expected Status, mutate func(*SagaState)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		opErr   error
		before  *SagaState
		updated *SagaState
	)
	s.records.Compute(sagaID, func(old *SagaState, loaded bool) (*SagaState, bool) {
		if !loaded {
			opErr = NewNotFound(sagaID)
			return old, true
		}
		next, err := PrepareUpdate(old, expected, mutate)
		if err != nil {
			opErr = err
			return old, false
		}
		before, updated = old, next
		return next, false
	})
	if opErr != nil {
		return opErr
	}
	s.index(before, updated)
	return nil
}

func (s *MemoryStore) GetExpired(ctx context.Context, asOf time.Time, batchSize int) ([]*SagaState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		out   []*SagaState
		stale []deadlineKey
	)
	s.deadlines.Scan(func(key deadlineKey) bool {
		if !key.at.Before(asOf) {
			return false
		}
		rec, ok := s.records.Load(key.id)
		switch {
		case !ok || rec.Status != StatusRunning:
			stale = append(stale, key)
		case rec.Expired(asOf):
			out = append(out, rec.Clone())
		}
		return batchSize <= 0 || len(out) < batchSize
	})
	// a racing Update can re-index a saga that already left Running
	for _, key := range stale {
		s.deadlines.Delete(key)
	}
	return out, nil
}

// List returns every stored saga ordered by start time.
func (s *MemoryStore) List() []*SagaState {
	out := make([]*SagaState, 0, s.records.Size())
	s.records.Range(func(_ string, rec *SagaState) bool {
		out = append(out, rec.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAtUTC.Before(out[j].StartedAtUTC)
	})
	return out
}

// Len returns the number of stored sagas.
func (s *MemoryStore) Len() int { return s.records.Size() }

func (s *MemoryStore) index(before, after *SagaState) {
	if before != nil && before.TimeoutAtUTC != nil {
		s.deadlines.Delete(deadlineKey{at: *before.TimeoutAtUTC, id: before.SagaID})
	}
	if after != nil && after.Status == StatusRunning && after.TimeoutAtUTC != nil {
		s.deadlines.Set(deadlineKey{at: *after.TimeoutAtUTC, id: after.SagaID})
	}
}
