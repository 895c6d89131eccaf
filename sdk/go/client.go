package switchyardsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal read-only Switchyard HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Status          string          `json:"status"`
	Priority        string          `json:"priority"`
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

// Message is a routed message as seen in one of a worker's stores.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      string          `json:"type"`
	Priority  string          `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	TTLMillis int64           `json:"ttl_ms"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	FailedAt  *time.Time      `json:"failed_at,omitempty"`
}

type Worker struct {
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

type Lock struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	AgeSeconds float64   `json:"age_seconds"`
	Stale      bool      `json:"stale"`
}

// LogEntry is one immutable work log record.
type LogEntry struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
}

type Failure struct {
	Worker string    `json:"worker"`
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Type   string    `json:"type"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Status is the aggregated coordination snapshot.
type Status struct {
	GeneratedAt    time.Time      `json:"generated_at"`
	Workers        []Worker       `json:"workers"`
	Tasks          map[string]int `json:"tasks"`
	Locks          []Lock         `json:"locks"`
	RecentMessages []Message      `json:"recent_messages"`
	Failures       []Failure      `json:"failures"`
	WorkLog        []LogEntry     `json:"worklog"`
	Metrics        struct {
		ThroughputPerHour float64 `json:"throughput_per_hour"`
		FinishedInWindow  int     `json:"finished_in_window"`
		AvgCompletionSecs float64 `json:"avg_completion_seconds"`
		Overdue           int     `json:"overdue"`
	} `json:"metrics"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns the coordination snapshot. refresh bypasses the server's
// memoized copy.
func (c *Client) Status(ctx context.Context, refresh bool) (Status, error) {
	endpoint := "v0/status"
	if refresh {
		endpoint += "?refresh=true"
	}
	var resp Status
	err := c.do(ctx, endpoint, &resp)
	return resp, err
}

// Workers lists registered workers with their queue depths.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp []Worker
	err := c.do(ctx, "v0/workers", &resp)
	return resp, err
}

// Messages lists a worker's messages in state (inbox, outbox, sent,
// processed or failed).
func (c *Client) Messages(ctx context.Context, worker, state string, limit int) ([]Message, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := fmt.Sprintf("v0/workers/%s/messages", url.PathEscape(worker))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Message
	err := c.do(ctx, endpoint, &resp)
	return resp, err
}

// Failures returns a worker's most recent failed messages.
func (c *Client) Failures(ctx context.Context, worker string, limit int) ([]Message, error) {
	endpoint := fmt.Sprintf("v0/workers/%s/failures", url.PathEscape(worker))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Message
	err := c.do(ctx, endpoint, &resp)
	return resp, err
}

// Tasks lists tasks, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "v0/tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, endpoint, &resp)
	return resp, err
}

// Task fetches a task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, "v0/tasks/"+url.PathEscape(id), &resp)
	return resp, err
}

// TaskLog returns a task's work log in sequence order.
func (c *Client) TaskLog(ctx context.Context, id string) ([]LogEntry, error) {
	var resp []LogEntry
	err := c.do(ctx, "v0/tasks/"+url.PathEscape(id)+"/log", &resp)
	return resp, err
}

// Locks lists held locks.
func (c *Client) Locks(ctx context.Context) ([]Lock, error) {
	var resp []Lock
	err := c.do(ctx, "v0/locks", &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
