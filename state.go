package saga

import (
	"time"
)

// StepSnapshot is the serialized saga data captured right after a step
// succeeded. Compensation for that step receives exactly this payload.
type StepSnapshot struct {
	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name"`
	Data      []byte `json:"data"`
}

// SagaState is the durable record of one saga instance.
type SagaState struct {
	SagaID         string            `json:"saga_id"`
	SagaType       string            `json:"saga_type"`
	Status         Status            `json:"status"`
	CurrentStep    int               `json:"current_step"`
	Data           []byte            `json:"data"`
	Snapshots      []StepSnapshot    `json:"snapshots,omitempty"`
	StartedAtUTC   time.Time         `json:"started_at_utc"`
	UpdatedAtUTC   time.Time         `json:"updated_at_utc"`
	TimeoutAtUTC   *time.Time        `json:"timeout_at_utc,omitempty"`
	CompletedAtUTC *time.Time        `json:"completed_at_utc,omitempty"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	Version        int               `json:"version"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (s *SagaState) Clone() *SagaState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data = cloneBytes(s.Data)
	if s.Snapshots != nil {
		cp.Snapshots = make([]StepSnapshot, len(s.Snapshots))
		for i, snap := range s.Snapshots {
			snap.Data = cloneBytes(snap.Data)
			cp.Snapshots[i] = snap
		}
	}
	cp.TimeoutAtUTC = cloneTime(s.TimeoutAtUTC)
	cp.CompletedAtUTC = cloneTime(s.CompletedAtUTC)
	if s.ErrorMessage != nil {
		msg := *s.ErrorMessage
		cp.ErrorMessage = &msg
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Snapshot returns the data captured after step idx, falling back to the
// latest data when no snapshot was recorded for it.
func (s *SagaState) Snapshot(idx int) []byte {
	for i := len(s.Snapshots) - 1; i >= 0; i-- {
		if s.Snapshots[i].StepIndex == idx {
			return s.Snapshots[i].Data
		}
	}
	return s.Data
}

// Expired reports whether a Running saga passed its deadline at asOf.
func (s *SagaState) Expired(asOf time.Time) bool {
	return s.Status == StatusRunning && s.TimeoutAtUTC != nil && s.TimeoutAtUTC.Before(asOf)
}

func (s *SagaState) setError(msg string) {
	s.ErrorMessage = &msg
}

func (s *SagaState) setMetadata(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
