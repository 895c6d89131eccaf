package store

import (
	"encoding/json"
	"fmt"
	"time"

	"switchyard/internal/domain"
)

// Record kinds carried in the envelope.
const (
	KindMessage = "message"
	KindTask    = "task"
	KindLock    = "lock"
)

// Envelope is the on-disk document for every record. Only the envelope
// fields are interpreted by the store; Body belongs to the record kind.
type Envelope struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Priority  domain.Priority `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Body      json.RawMessage `json:"body"`
}

// Wrap marshals body into an envelope.
func Wrap(kind, id string, priority domain.Priority, createdAt time.Time, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}
	return Envelope{
		Kind:      kind,
		ID:        id,
		Priority:  priority,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Body:      raw,
	}, nil
}

// Decode unmarshals the body into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", e.Kind, e.ID, err)
	}
	return nil
}
