// Package redisstore persists sagas in redis. Each saga is a JSON document
// and Running sagas with a deadline are indexed in a sorted set scored by
// that deadline. Against a cluster the key prefix must carry a hash tag,
// for example "{saga}:", so state keys and the index share a slot.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	saga "github.com/goliatone/go-saga"
)

// Store implements saga.Store with WATCH/MULTI/EXEC conditional writes.
type Store struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

var _ saga.Store = (*Store)(nil)

type Option func(*Store)

// WithKeyPrefix namespaces every key. Defaults to "saga:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithMaxRetries bounds how often an optimistic transaction is retried when
// the watched key changes underneath it.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "saga:", maxRetries: 5}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) stateKey(id string) string { return s.prefix + "state:" + id }

func (s *Store) expiryKey() string { return s.prefix + "expiry" }

func (s *Store) Create(ctx context.Context, state *saga.SagaState) error {
	if s == nil || s.client == nil {
		return errors.New("redisstore: client not configured")
	}
	if err := saga.ValidateNew(state); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	key := s.stateKey(state.SagaID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return saga.NewDuplicate(state.SagaID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			s.index(ctx, pipe, state)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return saga.NewDuplicate(state.SagaID)
	}
	return err
}

func (s *Store) Get(ctx context.Context, sagaID string) (*saga.SagaState, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redisstore: client not configured")
	}
	raw, err := s.client.Get(ctx, s.stateKey(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, saga.NewNotFound(sagaID)
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Update retries when another client touches the key between WATCH and
// EXEC; the retry re-reads the status, so a lost race surfaces as a
// concurrency conflict.
func (s *Store) Update(ctx context.Context, sagaID string, expected saga.Status, mutate func(*saga.SagaState)) error {
	if s == nil || s.client == nil {
		return errors.New("redisstore: client not configured")
	}
	key := s.stateKey(sagaID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return saga.NewNotFound(sagaID)
		}
		if err != nil {
			return err
		}
		current, err := decode(raw)
		if err != nil {
			return err
		}
		next, err := saga.PrepareUpdate(current, expected, mutate)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			s.index(ctx, pipe, next)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return saga.NewConcurrencyConflict(sagaID, expected, "unknown")
}

// ceilMicro rounds t up to a whole microsecond. Scores are truncated
// deadlines, so an exclusive ceiling keeps sub-microsecond deadlines before t.
func ceilMicro(t time.Time) int64 {
	us := t.UnixMicro()
	if t.Sub(time.UnixMicro(us)) > 0 {
		us++
	}
	return us
}

// GetExpired reads the deadline index in score order and drops entries
// whose saga is no longer Running.
func (s *Store) GetExpired(ctx context.Context, asOf time.Time, batchSize int) ([]*saga.SagaState, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redisstore: client not configured")
	}
	rng := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(ceilMicro(asOf), 10),
	}
	if batchSize > 0 {
		rng.Count = int64(batchSize)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), rng).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.stateKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var (
		out   []*saga.SagaState
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		state, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		switch {
		case state.Expired(asOf):
			out = append(out, state)
		case state.Status != saga.StatusRunning:
			stale = append(stale, ids[i])
		}
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.expiryKey(), stale...).Err()
	}
	return out, nil
}

func (s *Store) index(ctx context.Context, pipe redis.Pipeliner, state *saga.SagaState) {
	if state.Status == saga.StatusRunning && state.TimeoutAtUTC != nil {
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
			Score:  float64(state.TimeoutAtUTC.UTC().UnixMicro()),
			Member: state.SagaID,
		})
		return
	}
	pipe.ZRem(ctx, s.expiryKey(), state.SagaID)
}

func decode(raw []byte) (*saga.SagaState, error) {
	var state saga.SagaState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
