// Package status derives a read-only snapshot of the whole coordination
// root for dashboards and the query API. Snapshots are never persisted.
package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/lock"
	"switchyard/internal/router"
	"switchyard/internal/taskqueue"
	"switchyard/internal/worklog"
)

type Options struct {
	CacheTTL         time.Duration
	LivenessWindow   time.Duration
	RecentMessages   int
	ThroughputWindow time.Duration
	Now              func() time.Time
}

// OptionsFromConfig copies the status section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CacheTTL:         cfg.Status.CacheTTL,
		LivenessWindow:   cfg.Status.LivenessWindow,
		RecentMessages:   cfg.Status.RecentMessages,
		ThroughputWindow: cfg.Status.ThroughputWindow,
	}
}

type WorkerStatus struct {
	ID        string     `json:"id"`
	Live      bool       `json:"live"`
	LastPoll  *time.Time `json:"last_poll,omitempty"`
	Inbox     int        `json:"inbox"`
	Outbox    int        `json:"outbox"`
	Processed int        `json:"processed"`
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	Active    int        `json:"active_tasks"`
	Pending   int        `json:"pending_tasks"`
	Effort    float64    `json:"effort"`
}

type MessageSummary struct {
	ID        string             `json:"id"`
	From      string             `json:"from"`
	To        string             `json:"to"`
	Type      domain.MessageType `json:"type"`
	Priority  domain.Priority    `json:"priority"`
	CreatedAt time.Time          `json:"created_at"`
	InReplyTo string             `json:"in_reply_to,omitempty"`
}

type FailureSummary struct {
	Worker string             `json:"worker"`
	ID     string             `json:"id"`
	From   string             `json:"from"`
	To     string             `json:"to"`
	Type   domain.MessageType `json:"type"`
	Reason string             `json:"reason"`
	Detail string             `json:"detail,omitempty"`
	At     time.Time          `json:"at"`
}

type Metrics struct {
	// ThroughputPerHour counts tasks finished (completed or failed) per hour
	// over the throughput window.
	ThroughputPerHour float64 `json:"throughput_per_hour"`
	FinishedInWindow  int     `json:"finished_in_window"`
	AvgCompletionSecs float64 `json:"avg_completion_seconds"`
	Overdue           int     `json:"overdue"`
}

type Snapshot struct {
	GeneratedAt    time.Time                 `json:"generated_at"`
	Workers        []WorkerStatus            `json:"workers"`
	Tasks          map[domain.TaskStatus]int `json:"tasks"`
	Locks          []lock.Status             `json:"locks"`
	RecentMessages []MessageSummary          `json:"recent_messages"`
	Failures       []FailureSummary          `json:"failures"`
	WorkLog        []domain.WorkLogEntry     `json:"worklog"`
	Metrics        Metrics                   `json:"metrics"`
}

type Aggregator struct {
	router *router.Router
	queue  taskqueue.Queue
	locks  *lock.Manager
	log    *worklog.Manager
	opts   Options
	cache  *expirable.LRU[string, Snapshot]
}

const cacheKey = "snapshot"

// New builds an aggregator. wl may be nil, in which case snapshots carry
// no log entries.
func New(r *router.Router, q taskqueue.Queue, l *lock.Manager, wl *worklog.Manager, opts Options) *Aggregator {
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 30 * time.Second
	}
	if opts.RecentMessages <= 0 {
		opts.RecentMessages = 20
	}
	if opts.ThroughputWindow <= 0 {
		opts.ThroughputWindow = time.Hour
	}
	a := &Aggregator{router: r, queue: q, locks: l, log: wl, opts: opts}
	if opts.CacheTTL > 0 {
		a.cache = expirable.NewLRU[string, Snapshot](1, nil, opts.CacheTTL)
	}
	return a
}

func (a *Aggregator) now() time.Time {
	if a.opts.Now != nil {
		return a.opts.Now()
	}
	return time.Now()
}

// Snapshot returns a memoized snapshot no older than the cache TTL.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	if a.cache != nil {
		if s, ok := a.cache.Get(cacheKey); ok {
			return s, nil
		}
	}
	return a.Refresh(ctx)
}

// Refresh scans the root and replaces the memoized snapshot.
func (a *Aggregator) Refresh(ctx context.Context) (Snapshot, error) {
	now := a.now().UTC()
	snap := Snapshot{GeneratedAt: now}
	workers, err := a.router.Workers()
	if err != nil {
		return snap, err
	}

	var (
		tasks    []domain.Task
		mu       sync.Mutex
		perW     = make([]WorkerStatus, len(workers))
		messages []MessageSummary
		failures []FailureSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			ws, msgs, fails, err := a.scanWorker(w, now)
			if err != nil {
				return err
			}
			perW[i] = ws
			mu.Lock()
			messages = append(messages, msgs...)
			failures = append(failures, fails...)
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		var err error
		tasks, err = a.queue.List(gctx, "")
		return err
	})
	g.Go(func() error {
		var err error
		snap.Locks, err = a.locks.List()
		return err
	})
	if a.log != nil {
		g.Go(func() error {
			var err error
			snap.WorkLog, err = a.log.Recent(gctx, a.opts.RecentMessages)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return snap, err
	}

	snap.Tasks = make(map[domain.TaskStatus]int, len(domain.TaskStatuses))
	for _, st := range domain.TaskStatuses {
		snap.Tasks[st] = 0
	}
	index := make(map[string]int, len(workers))
	for i, ws := range perW {
		index[ws.ID] = i
	}
	for _, t := range tasks {
		snap.Tasks[t.Status]++
		i, ok := index[t.Assignee]
		if !ok || t.Assignee == "" {
			continue
		}
		switch t.Status {
		case domain.TaskActive:
			perW[i].Active++
			perW[i].Effort += t.EstimatedEffort
		case domain.TaskPending:
			perW[i].Pending++
			perW[i].Effort += t.EstimatedEffort
		}
	}
	snap.Workers = perW
	snap.Metrics = a.metrics(tasks, now)

	sort.Slice(messages, func(i, j int) bool { return messages[i].CreatedAt.After(messages[j].CreatedAt) })
	if len(messages) > a.opts.RecentMessages {
		messages = messages[:a.opts.RecentMessages]
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].At.After(failures[j].At) })
	if len(failures) > a.opts.RecentMessages {
		failures = failures[:a.opts.RecentMessages]
	}
	snap.RecentMessages = messages
	snap.Failures = failures

	if a.cache != nil {
		a.cache.Add(cacheKey, snap)
	}
	return snap, nil
}

func (a *Aggregator) scanWorker(w string, now time.Time) (WorkerStatus, []MessageSummary, []FailureSummary, error) {
	ws := WorkerStatus{ID: w}
	if at, ok := a.router.LastPoll(w); ok {
		at = at.UTC()
		ws.LastPoll = &at
		ws.Live = now.Sub(at) <= a.opts.LivenessWindow
	}
	depths, err := a.router.Depths(w)
	if err != nil {
		return ws, nil, nil, err
	}
	ws.Inbox = depths[router.Inbox]
	ws.Outbox = depths[router.Outbox]
	ws.Processed = depths[router.Processed]
	ws.Sent = depths[router.Sent]
	ws.Failed = depths[router.Failed]

	sent, err := a.router.Messages(w, router.Sent)
	if err != nil {
		return ws, nil, nil, err
	}
	msgs := make([]MessageSummary, 0, len(sent))
	for _, m := range sent {
		msgs = append(msgs, MessageSummary{
			ID: m.ID, From: m.From, To: m.To, Type: m.Type,
			Priority: m.Priority, CreatedAt: m.CreatedAt, InReplyTo: m.InReplyTo,
		})
	}
	failed, err := a.router.Failures(w, a.opts.RecentMessages)
	if err != nil {
		return ws, nil, nil, err
	}
	fails := make([]FailureSummary, 0, len(failed))
	for _, m := range failed {
		fs := FailureSummary{Worker: w, ID: m.ID, From: m.From, To: m.To, Type: m.Type, At: m.CreatedAt}
		if m.Failure != nil {
			fs.Reason, fs.Detail, fs.At = m.Failure.Reason, m.Failure.Detail, m.Failure.At
		}
		fails = append(fails, fs)
	}
	return ws, msgs, fails, nil
}

func (a *Aggregator) metrics(tasks []domain.Task, now time.Time) Metrics {
	var (
		m       Metrics
		total   time.Duration
		samples int
	)
	since := now.Add(-a.opts.ThroughputWindow)
	for _, t := range tasks {
		if t.Overdue(now) {
			m.Overdue++
		}
		if !t.Status.Terminal() || t.FinishedAt == nil {
			continue
		}
		if !t.FinishedAt.Before(since) {
			m.FinishedInWindow++
		}
		if t.Status == domain.TaskCompleted && t.DistributedAt != nil {
			total += t.FinishedAt.Sub(*t.DistributedAt)
			samples++
		}
	}
	m.ThroughputPerHour = float64(m.FinishedInWindow) / a.opts.ThroughputWindow.Hours()
	if samples > 0 {
		m.AvgCompletionSecs = (total / time.Duration(samples)).Seconds()
	}
	return m
}
