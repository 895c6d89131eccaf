package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
	MessageError        MessageType = "error"
	MessageTaskAssign   MessageType = "task_assign"
	MessageTaskResult   MessageType = "task_result"
	MessagePing         MessageType = "ping"
)

// Failure is attached to a message when it is moved into a failed store.
type Failure struct {
	Reason   string    `json:"reason"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
}

// Message is the routed envelope. Its state is the directory holding it.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Priority  Priority        `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	TTLMillis int64           `json:"ttl_ms"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Failure   *Failure        `json:"failure,omitempty"`
}

func (m Message) TTL() time.Duration { return time.Duration(m.TTLMillis) * time.Millisecond }

// Expired reports whether created_at + ttl lies before now. A zero TTL never expires.
func (m Message) Expired(now time.Time) bool {
	if m.TTLMillis <= 0 {
		return false
	}
	return m.CreatedAt.Add(m.TTL()).Before(now)
}

// Payload is one arm of the message payload union.
type Payload interface {
	MessageType() MessageType
	Validate() error
}

type RequestPayload struct {
	Action string            `json:"action"`
	Body   string            `json:"body,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

type ResponsePayload struct {
	Status string `json:"status,omitempty"`
	Body   string `json:"body,omitempty"`
}

type NotificationPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type TaskAssignPayload struct {
	TaskID          string     `json:"task_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Dependencies    []string   `json:"dependencies,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	EstimatedEffort float64    `json:"estimated_effort,omitempty"`
}

type TaskResultPayload struct {
	TaskID string          `json:"task_id"`
	Status TaskStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type PingPayload struct {
	Nonce string `json:"nonce,omitempty"`
}

func (RequestPayload) MessageType() MessageType      { return MessageRequest }
func (ResponsePayload) MessageType() MessageType     { return MessageResponse }
func (NotificationPayload) MessageType() MessageType { return MessageNotification }
func (ErrorPayload) MessageType() MessageType        { return MessageError }
func (TaskAssignPayload) MessageType() MessageType   { return MessageTaskAssign }
func (TaskResultPayload) MessageType() MessageType   { return MessageTaskResult }
func (PingPayload) MessageType() MessageType         { return MessagePing }

func (p RequestPayload) Validate() error {
	if p.Action == "" {
		return invalidPayload(MessageRequest, "action is required")
	}
	return nil
}

func (p ResponsePayload) Validate() error { return nil }

func (p NotificationPayload) Validate() error {
	if p.Subject == "" {
		return invalidPayload(MessageNotification, "subject is required")
	}
	return nil
}

func (p ErrorPayload) Validate() error {
	if p.Code == "" {
		return invalidPayload(MessageError, "code is required")
	}
	return nil
}

func (p TaskAssignPayload) Validate() error {
	if p.TaskID == "" {
		return invalidPayload(MessageTaskAssign, "task_id is required")
	}
	return nil
}

func (p TaskResultPayload) Validate() error {
	if p.TaskID == "" {
		return invalidPayload(MessageTaskResult, "task_id is required")
	}
	if p.Status != TaskCompleted && p.Status != TaskFailed {
		return invalidPayload(MessageTaskResult, fmt.Sprintf("status must be completed or failed, got %q", p.Status))
	}
	return nil
}

func (p PingPayload) Validate() error { return nil }

func invalidPayload(t MessageType, reason string) error {
	return NewValidationError(CodeInvalidPayload, fmt.Sprintf("%s payload: %s", t, reason))
}

func emptyPayload(t MessageType) (Payload, error) {
	switch t {
	case MessageRequest:
		return &RequestPayload{}, nil
	case MessageResponse:
		return &ResponsePayload{}, nil
	case MessageNotification:
		return &NotificationPayload{}, nil
	case MessageError:
		return &ErrorPayload{}, nil
	case MessageTaskAssign:
		return &TaskAssignPayload{}, nil
	case MessageTaskResult:
		return &TaskResultPayload{}, nil
	case MessagePing:
		return &PingPayload{}, nil
	}
	return nil, NewValidationError(CodeInvalidKind, fmt.Sprintf("unknown message type %q", t))
}

// DecodePayload decodes raw into the payload struct for t and validates it.
// Unknown fields are rejected.
func DecodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	p, err := emptyPayload(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, invalidPayload(t, err.Error())
	}
	// Validate on the value so callers get the same shape they would build.
	switch v := p.(type) {
	case *RequestPayload:
		return *v, v.Validate()
	case *ResponsePayload:
		return *v, v.Validate()
	case *NotificationPayload:
		return *v, v.Validate()
	case *ErrorPayload:
		return *v, v.Validate()
	case *TaskAssignPayload:
		return *v, v.Validate()
	case *TaskResultPayload:
		return *v, v.Validate()
	case *PingPayload:
		return *v, v.Validate()
	}
	return nil, invalidPayload(t, "unsupported payload")
}

// NewMessage builds an unsent message carrying p. Router.Send assigns id,
// created_at and a default ttl.
func NewMessage(from, to string, priority Priority, p Payload) (Message, error) {
	if p == nil {
		return Message{}, NewValidationError(CodeInvalidPayload, "payload is required")
	}
	if err := p.Validate(); err != nil {
		return Message{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Message{}, invalidPayload(p.MessageType(), err.Error())
	}
	return Message{
		From:     from,
		To:       to,
		Type:     p.MessageType(),
		Priority: priority,
		Payload:  raw,
	}, nil
}

// Decode returns the typed payload.
func (m Message) Decode() (Payload, error) {
	return DecodePayload(m.Type, m.Payload)
}

// Validate checks the envelope and the payload shape.
func (m Message) Validate() error {
	if m.From == "" || m.To == "" {
		return NewValidationError(CodeInvalidPayload, "from and to are required")
	}
	if !m.Priority.Valid() {
		return NewValidationError(CodeInvalidPriority, m.Priority.String())
	}
	if m.TTLMillis < 0 {
		return NewValidationError(CodeInvalidPayload, "ttl must not be negative")
	}
	if m.Type == MessageResponse && m.InReplyTo == "" {
		return NewValidationError(CodeInvalidPayload, "response requires in_reply_to")
	}
	_, err := m.Decode()
	return err
}
