package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority orders messages and tasks; higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

var priorityNames = [...]string{"low", "medium", "high", "urgent"}

// ParsePriority accepts the lowercase priority names. Empty input means medium.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityMedium, NewValidationError(CodeInvalidPriority, fmt.Sprintf("unknown priority %q", s))
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, NewValidationError(CodeInvalidPriority, p.String())
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskStatuses lists every status in lifecycle order.
var TaskStatuses = []TaskStatus{TaskPending, TaskActive, TaskCompleted, TaskFailed}

func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// EnsureTaskTransition rejects any move outside pending->active->{completed,failed}.
// active->pending is only allowed when release is set.
func EnsureTaskTransition(from, to TaskStatus, release bool) error {
	switch from {
	case TaskPending:
		if to == TaskActive {
			return nil
		}
	case TaskActive:
		if to == TaskCompleted || to == TaskFailed {
			return nil
		}
		if to == TaskPending && release {
			return nil
		}
	}
	return NewValidationError(CodeInvalidTransition, fmt.Sprintf("invalid task status transition %s -> %s", from, to))
}

type Task struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Assignee        string          `json:"assignee,omitempty"`
	Assigner        string          `json:"assigner,omitempty"`
	Priority        Priority        `json:"priority"`
	Status          TaskStatus      `json:"status"`
	Dependencies    []string        `json:"dependencies,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	DistributedAt   *time.Time      `json:"distributed_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	EstimatedEffort float64         `json:"estimated_effort,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Releases        int             `json:"releases,omitempty"`
	ReleaseReason   string          `json:"release_reason,omitempty"`
}

// Overdue reports whether a non-terminal task has passed its deadline.
func (t Task) Overdue(now time.Time) bool {
	return t.Deadline != nil && !t.Status.Terminal() && now.After(*t.Deadline)
}

// Lock is the content of a lock marker file.
type Lock struct {
	Resource      string    `json:"resource"`
	Holder        string    `json:"holder"`
	AcquiredAt    time.Time `json:"acquired_at"`
	TimeoutMillis int64     `json:"timeout_ms,omitempty"`
	Host          string    `json:"host,omitempty"`
	PID           int       `json:"pid,omitempty"`
}

func (l Lock) Age(now time.Time) time.Duration { return now.Sub(l.AcquiredAt) }

type LogKind string

const (
	LogProgress  LogKind = "progress"
	LogDecision  LogKind = "decision"
	LogChallenge LogKind = "challenge"
	LogMetric    LogKind = "metric"
)

func ParseLogKind(s string) (LogKind, error) {
	switch k := LogKind(strings.ToLower(strings.TrimSpace(s))); k {
	case LogProgress, LogDecision, LogChallenge, LogMetric:
		return k, nil
	case "":
		return LogProgress, nil
	}
	return "", NewValidationError(CodeInvalidKind, fmt.Sprintf("unknown log kind %q", s))
}

type WorkLogEntry struct {
	Seq       int64     `json:"seq"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Kind      LogKind   `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
