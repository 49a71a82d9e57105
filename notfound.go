package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Action is what to do with a message whose saga cannot be found.
type Action int

const (
	ActionIgnore Action = iota
	ActionMoveToDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionMoveToDeadLetter:
		return "move_to_dead_letter"
	default:
		return "ignore"
	}
}

// CorrelatedMessage is an inbound message addressed to a saga instance.
type CorrelatedMessage interface {
	CorrelationID() string
	SagaType() string
}

// NotFoundHandler decides the fate of an uncorrelated message.
type NotFoundHandler interface {
	Handle(ctx context.Context, msg CorrelatedMessage) (Action, error)
}

type NotFoundHandlerFunc func(ctx context.Context, msg CorrelatedMessage) (Action, error)

func (f NotFoundHandlerFunc) Handle(ctx context.Context, msg CorrelatedMessage) (Action, error) {
	return f(ctx, msg)
}

// DeadLetter is the envelope handed to a DeadLetterSink.
type DeadLetter struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	SagaType      string            `json:"saga_type"`
	Reason        string            `json:"reason"`
	Payload       []byte            `json:"payload,omitempty"`
	Message       CorrelatedMessage `json:"-"`
	CreatedAtUTC  time.Time         `json:"created_at_utc"`
}

// DeadLetterSink stores messages for manual inspection or replay.
type DeadLetterSink interface {
	Send(ctx context.Context, letter DeadLetter) error
}

// NotFoundDispatcher routes uncorrelated messages to the handler registered
// for their saga type, falling back to a default handler.
type NotFoundDispatcher struct {
	handlers *xsync.MapOf[string, NotFoundHandler]
	fallback NotFoundHandler
	sink     DeadLetterSink
	clock    Clock
	logger   Logger
}

type NotFoundOption func(*NotFoundDispatcher)

// WithFallbackHandler handles saga types without a dedicated handler. The
// default fallback ignores the message.
func WithFallbackHandler(h NotFoundHandler) NotFoundOption {
	return func(d *NotFoundDispatcher) {
		if h != nil {
			d.fallback = h
		}
	}
}

func WithDeadLetterSink(s DeadLetterSink) NotFoundOption {
	return func(d *NotFoundDispatcher) {
		d.sink = s
	}
}

func WithNotFoundClock(c Clock) NotFoundOption {
	return func(d *NotFoundDispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithNotFoundLogger(l Logger) NotFoundOption {
	return func(d *NotFoundDispatcher) {
		d.logger = normalizeLogger(l)
	}
}

func NewNotFoundDispatcher(opts ...NotFoundOption) *NotFoundDispatcher {
	d := &NotFoundDispatcher{
		handlers: xsync.NewMapOf[string, NotFoundHandler](),
		fallback: NotFoundHandlerFunc(func(context.Context, CorrelatedMessage) (Action, error) {
			return ActionIgnore, nil
		}),
		clock:  SystemClock{},
		logger: NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Register installs the handler for a saga type, replacing any previous one.
func (d *NotFoundDispatcher) Register(sagaType string, h NotFoundHandler) error {
	sagaType = strings.TrimSpace(sagaType)
	if sagaType == "" || h == nil {
		return cloneSagaError(ErrConfigurationInvalid, "not-found handler requires a saga type and a handler", nil, nil)
	}
	d.handlers.Store(sagaType, h)
	return nil
}

// Dispatch runs the handler for msg and applies the action it returns.
func (d *NotFoundDispatcher) Dispatch(ctx context.Context, msg CorrelatedMessage) (Action, error) {
	if msg == nil {
		return ActionIgnore, cloneSagaError(ErrConfigurationInvalid, "correlated message is nil", nil, nil)
	}
	logger := withLoggerFields(d.logger, map[string]any{
		"correlation_id": msg.CorrelationID(),
		"saga_type":      msg.SagaType(),
	})

	h, ok := d.handlers.Load(msg.SagaType())
	if !ok {
		h = d.fallback
	}

	action, err := h.Handle(ctx, msg)
	if err != nil {
		logger.Error("not-found handler failed: %v", err)
		return action, cloneSagaError(ErrNotFound, "not-found handler failed", err,
			map[string]any{"correlation_id": msg.CorrelationID(), "saga_type": msg.SagaType()})
	}

	switch action {
	case ActionMoveToDeadLetter:
		if err := d.deadLetter(ctx, msg); err != nil {
			logger.Error("dead-letter delivery failed: %v", err)
			return action, err
		}
		logger.Info("uncorrelated message moved to dead letter")
	default:
		logger.Debug("uncorrelated message ignored")
	}
	return action, nil
}

func (d *NotFoundDispatcher) deadLetter(ctx context.Context, msg CorrelatedMessage) error {
	if d.sink == nil {
		return cloneSagaError(ErrConfigurationInvalid, "no dead-letter sink configured", nil,
			map[string]any{"correlation_id": msg.CorrelationID()})
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		payload = nil
	}
	letter := DeadLetter{
		ID:            uuid.NewString(),
		CorrelationID: msg.CorrelationID(),
		SagaType:      msg.SagaType(),
		Reason:        fmt.Sprintf("no saga found for correlation id %s", msg.CorrelationID()),
		Payload:       payload,
		Message:       msg,
		CreatedAtUTC:  d.clock.Now(),
	}
	if err := d.sink.Send(ctx, letter); err != nil {
		return NewPersistenceError("dead_letter", msg.CorrelationID(), err)
	}
	return nil
}

// Correlate loads the saga addressed by msg. When it does not exist the
// dispatcher is consulted and the chosen action returned with a nil state.
// A nil dispatcher ignores uncorrelated messages.
func Correlate(ctx context.Context, store Store, d *NotFoundDispatcher, msg CorrelatedMessage) (*SagaState, Action, error) {
	if msg == nil {
		return nil, ActionIgnore, cloneSagaError(ErrConfigurationInvalid, "correlated message is nil", nil, nil)
	}
	if store == nil {
		return nil, ActionIgnore, cloneSagaError(ErrConfigurationInvalid, "correlate requires a store", nil,
			map[string]any{"correlation_id": msg.CorrelationID()})
	}
	state, err := store.Get(ctx, msg.CorrelationID())
	if err == nil {
		return state, ActionIgnore, nil
	}
	if !IsNotFound(err) {
		return nil, ActionIgnore, NewPersistenceError("get", msg.CorrelationID(), err)
	}
	if d == nil {
		return nil, ActionIgnore, nil
	}
	action, derr := d.Dispatch(ctx, msg)
	return nil, action, derr
}

// InMemoryDeadLetterSink keeps dead letters in memory.
type InMemoryDeadLetterSink struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func NewInMemoryDeadLetterSink() *InMemoryDeadLetterSink {
	return &InMemoryDeadLetterSink{}
}

func (s *InMemoryDeadLetterSink) Send(_ context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

// Letters returns the stored letters ordered by creation time.
func (s *InMemoryDeadLetterSink) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]DeadLetter(nil), s.letters...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAtUTC.Before(out[j].CreatedAtUTC)
	})
	return out
}
