package server

import (
	"encoding/json"
	"time"

	"switchyard/internal/domain"
	"switchyard/internal/lock"
	"switchyard/internal/status"
	"switchyard/internal/worklog"
)

// Response payloads

type TaskResponse struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Status          string          `json:"status" enum:"pending,active,completed,failed"`
	Priority        string          `json:"priority" enum:"low,medium,high,urgent"`
	Assignee        string          `json:"assignee,omitempty"`
	Assigner        string          `json:"assigner,omitempty"`
	Dependencies    []string        `json:"dependencies"`
	CreatedAt       time.Time       `json:"created_at"`
	DistributedAt   *time.Time      `json:"distributed_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	Overdue         bool            `json:"overdue"`
	EstimatedEffort float64         `json:"estimated_effort"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Releases        int             `json:"releases"`
}

type MessageResponse struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      string          `json:"type" enum:"request,response,notification,error,task_assign,task_result,ping"`
	Priority  string          `json:"priority" enum:"low,medium,high,urgent"`
	CreatedAt time.Time       `json:"created_at"`
	TTLMillis int64           `json:"ttl_ms"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	FailedAt  *time.Time      `json:"failed_at,omitempty"`
}

type WorkerResponse struct {
	ID           string     `json:"id"`
	Live         bool       `json:"live"`
	LastPoll     *time.Time `json:"last_poll,omitempty"`
	Inbox        int        `json:"inbox"`
	Outbox       int        `json:"outbox"`
	Processed    int        `json:"processed"`
	Sent         int        `json:"sent"`
	Failed       int        `json:"failed"`
	ActiveTasks  int        `json:"active_tasks"`
	PendingTasks int        `json:"pending_tasks"`
	Effort       float64    `json:"effort"`
}

type LockResponse struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	AgeSeconds float64   `json:"age_seconds"`
	Stale      bool      `json:"stale"`
	Host       string    `json:"host,omitempty"`
	PID        int       `json:"pid,omitempty"`
}

type LogEntryResponse struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Kind      string    `json:"kind" enum:"progress,decision,challenge,metric"`
	Content   string    `json:"content"`
}

type FailureResponse struct {
	Worker string    `json:"worker"`
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Type   string    `json:"type"`
	Reason string    `json:"reason" enum:"expired,delivery_failed,handler_error,invalid_payload"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type MetricsResponse struct {
	ThroughputPerHour float64 `json:"throughput_per_hour"`
	FinishedInWindow  int     `json:"finished_in_window"`
	AvgCompletionSecs float64 `json:"avg_completion_seconds"`
	Overdue           int     `json:"overdue"`
}

type StatusResponse struct {
	GeneratedAt    time.Time          `json:"generated_at"`
	Workers        []WorkerResponse   `json:"workers"`
	Tasks          map[string]int     `json:"tasks"`
	Locks          []LockResponse     `json:"locks"`
	RecentMessages []MessageResponse  `json:"recent_messages"`
	Failures       []FailureResponse  `json:"failures"`
	WorkLog        []LogEntryResponse `json:"worklog"`
	Metrics        MetricsResponse    `json:"metrics"`
}

type TaskSummaryResponse struct {
	TaskID       string         `json:"task_id"`
	Entries      int            `json:"entries"`
	ByKind       map[string]int `json:"by_kind"`
	Authors      []string       `json:"authors"`
	First        *time.Time     `json:"first,omitempty"`
	Last         *time.Time     `json:"last,omitempty"`
	LastProgress string         `json:"last_progress,omitempty"`
	Decisions    []string       `json:"decisions"`
	Challenges   []string       `json:"challenges"`
}

func taskResponse(t domain.Task, now time.Time) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          string(t.Status),
		Priority:        t.Priority.String(),
		Assignee:        t.Assignee,
		Assigner:        t.Assigner,
		Dependencies:    nonNilSlice(t.Dependencies),
		CreatedAt:       t.CreatedAt,
		DistributedAt:   t.DistributedAt,
		FinishedAt:      t.FinishedAt,
		Deadline:        t.Deadline,
		Overdue:         t.Overdue(now),
		EstimatedEffort: t.EstimatedEffort,
		Result:          t.Result,
		Error:           t.Error,
		Releases:        t.Releases,
	}
}

func mapTasks(items []domain.Task, now time.Time) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t, now))
	}
	return out
}

func messageResponse(m domain.Message) MessageResponse {
	resp := MessageResponse{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Type:      string(m.Type),
		Priority:  m.Priority.String(),
		CreatedAt: m.CreatedAt,
		TTLMillis: m.TTLMillis,
		InReplyTo: m.InReplyTo,
		Payload:   m.Payload,
	}
	if m.Failure != nil {
		at := m.Failure.At
		resp.Reason = m.Failure.Reason
		resp.Detail = m.Failure.Detail
		resp.FailedAt = &at
	}
	return resp
}

func workerResponse(w status.WorkerStatus) WorkerResponse {
	return WorkerResponse{
		ID:           w.ID,
		Live:         w.Live,
		LastPoll:     w.LastPoll,
		Inbox:        w.Inbox,
		Outbox:       w.Outbox,
		Processed:    w.Processed,
		Sent:         w.Sent,
		Failed:       w.Failed,
		ActiveTasks:  w.Active,
		PendingTasks: w.Pending,
		Effort:       w.Effort,
	}
}

func lockResponse(l lock.Status) LockResponse {
	return LockResponse{
		Resource:   l.Resource,
		Holder:     l.Holder,
		AcquiredAt: l.AcquiredAt,
		AgeSeconds: l.Age.Seconds(),
		Stale:      l.Stale,
		Host:       l.Host,
		PID:        l.PID,
	}
}

func logEntryResponse(e domain.WorkLogEntry) LogEntryResponse {
	return LogEntryResponse{
		TaskID:    e.TaskID,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Author:    e.Author,
		Kind:      string(e.Kind),
		Content:   e.Content,
	}
}

func mapLogEntries(items []domain.WorkLogEntry) []LogEntryResponse {
	out := make([]LogEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, logEntryResponse(e))
	}
	return out
}

func statusResponse(s status.Snapshot) StatusResponse {
	resp := StatusResponse{
		GeneratedAt:    s.GeneratedAt,
		Workers:        make([]WorkerResponse, 0, len(s.Workers)),
		Tasks:          make(map[string]int, len(s.Tasks)),
		Locks:          make([]LockResponse, 0, len(s.Locks)),
		RecentMessages: make([]MessageResponse, 0, len(s.RecentMessages)),
		Failures:       make([]FailureResponse, 0, len(s.Failures)),
		WorkLog:        mapLogEntries(s.WorkLog),
		Metrics: MetricsResponse{
			ThroughputPerHour: s.Metrics.ThroughputPerHour,
			FinishedInWindow:  s.Metrics.FinishedInWindow,
			AvgCompletionSecs: s.Metrics.AvgCompletionSecs,
			Overdue:           s.Metrics.Overdue,
		},
	}
	for _, w := range s.Workers {
		resp.Workers = append(resp.Workers, workerResponse(w))
	}
	for st, n := range s.Tasks {
		resp.Tasks[string(st)] = n
	}
	for _, l := range s.Locks {
		resp.Locks = append(resp.Locks, lockResponse(l))
	}
	for _, m := range s.RecentMessages {
		resp.RecentMessages = append(resp.RecentMessages, MessageResponse{
			ID:        m.ID,
			From:      m.From,
			To:        m.To,
			Type:      string(m.Type),
			Priority:  m.Priority.String(),
			CreatedAt: m.CreatedAt,
			InReplyTo: m.InReplyTo,
		})
	}
	for _, f := range s.Failures {
		resp.Failures = append(resp.Failures, FailureResponse{
			Worker: f.Worker,
			ID:     f.ID,
			From:   f.From,
			To:     f.To,
			Type:   string(f.Type),
			Reason: f.Reason,
			Detail: f.Detail,
			At:     f.At,
		})
	}
	return resp
}

func taskSummaryResponse(s worklog.TaskSummary) TaskSummaryResponse {
	resp := TaskSummaryResponse{
		TaskID:       s.TaskID,
		Entries:      s.Entries,
		ByKind:       make(map[string]int, len(s.ByKind)),
		Authors:      nonNilSlice(s.Authors),
		First:        s.First,
		Last:         s.Last,
		LastProgress: s.LastProgress,
		Decisions:    nonNilSlice(s.Decisions),
		Challenges:   nonNilSlice(s.Challenges),
	}
	for k, n := range s.ByKind {
		resp.ByKind[string(k)] = n
	}
	return resp
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
