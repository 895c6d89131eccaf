// Package worklog is the append-only progress log shared by all workers.
// Entries live in a SQLite database inside the store root; per-task
// sequence numbers are assigned inside the insert itself so concurrent
// appenders never collide or reorder.
package worklog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"switchyard/internal/db"
	"switchyard/internal/domain"
	"switchyard/internal/migrate"
	"switchyard/internal/store"
)

// tsLayout is fixed-width so text ordering in SQL matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type Manager struct {
	DB     *sql.DB
	Logger *log.Logger
	Now    func() time.Time
}

// Open opens (and migrates) the work log under root.
func Open(ctx context.Context, root string, logger *log.Logger) (*Manager, error) {
	conn, err := db.Open(db.Config{Root: root})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate worklog: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{DB: conn, Logger: logger, Now: time.Now}, nil
}

func (m *Manager) Close() error { return m.DB.Close() }

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// AppendOptions describes a new entry. Timestamp and seq are assigned.
type AppendOptions struct {
	TaskID  string
	Author  string
	Kind    domain.LogKind
	Content string
}

// Append records an entry and returns it with its per-task seq.
func (m *Manager) Append(ctx context.Context, opts AppendOptions) (domain.WorkLogEntry, error) {
	if err := store.ValidateID(opts.TaskID); err != nil {
		return domain.WorkLogEntry{}, err
	}
	if strings.TrimSpace(opts.Author) == "" {
		return domain.WorkLogEntry{}, domain.NewValidationError(domain.CodeInvalidPayload, "author is required")
	}
	kind, err := domain.ParseLogKind(string(opts.Kind))
	if err != nil {
		return domain.WorkLogEntry{}, err
	}
	if strings.TrimSpace(opts.Content) == "" {
		return domain.WorkLogEntry{}, domain.NewValidationError(domain.CodeInvalidPayload, "content is required")
	}
	e := domain.WorkLogEntry{
		TaskID:    opts.TaskID,
		Author:    opts.Author,
		Kind:      kind,
		Content:   opts.Content,
		Timestamp: m.now().UTC(),
	}
	for attempt := 1; ; attempt++ {
		err = m.DB.QueryRowContext(ctx, `INSERT INTO worklog(task_id,seq,ts,author,kind,content)
SELECT ?, COALESCE(MAX(seq),0)+1, ?, ?, ?, ? FROM worklog WHERE task_id=?
RETURNING seq`,
			e.TaskID, e.Timestamp.Format(tsLayout), e.Author, string(e.Kind), e.Content, e.TaskID).Scan(&e.Seq)
		if err == nil {
			return e, nil
		}
		if attempt >= appendAttempts || !contended(err) {
			return domain.WorkLogEntry{}, fmt.Errorf("append worklog %s: %w", e.TaskID, err)
		}
		m.Logger.Printf("warn worklog_retry task=%s attempt=%d err=%v", e.TaskID, attempt, err)
	}
}

const appendAttempts = 5

// contended reports lock contention that outlived the busy timeout or a
// lost race on (task_id, seq).
func contended(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

func scanEntries(rows *sql.Rows) ([]domain.WorkLogEntry, error) {
	defer rows.Close()
	var out []domain.WorkLogEntry
	for rows.Next() {
		var (
			e    domain.WorkLogEntry
			ts   string
			kind string
		)
		if err := rows.Scan(&e.TaskID, &e.Seq, &ts, &e.Author, &kind, &e.Content); err != nil {
			return nil, err
		}
		t, err := time.Parse(tsLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("worklog timestamp %q: %w", ts, err)
		}
		e.Timestamp = t
		e.Kind = domain.LogKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

const entryCols = `task_id,seq,ts,author,kind,content`

// Entries returns every entry of a task in seq order.
func (m *Manager) Entries(ctx context.Context, taskID string) ([]domain.WorkLogEntry, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT `+entryCols+` FROM worklog WHERE task_id=? ORDER BY seq`, taskID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Recent returns the newest entries across all tasks, newest first.
func (m *Manager) Recent(ctx context.Context, limit int) ([]domain.WorkLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.DB.QueryContext(ctx, `SELECT `+entryCols+` FROM worklog ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Between returns entries with from <= ts < to in time order.
func (m *Manager) Between(ctx context.Context, from, to time.Time) ([]domain.WorkLogEntry, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT `+entryCols+` FROM worklog WHERE ts >= ? AND ts < ? ORDER BY ts, id`,
		from.UTC().Format(tsLayout), to.UTC().Format(tsLayout))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Count returns the total number of entries.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM worklog`).Scan(&n)
	return n, err
}

type TaskSummary struct {
	TaskID       string                 `json:"task_id"`
	Entries      int                    `json:"entries"`
	ByKind       map[domain.LogKind]int `json:"by_kind"`
	Authors      []string               `json:"authors"`
	First        *time.Time             `json:"first,omitempty"`
	Last         *time.Time             `json:"last,omitempty"`
	LastProgress string                 `json:"last_progress,omitempty"`
	Decisions    []string               `json:"decisions,omitempty"`
	Challenges   []string               `json:"challenges,omitempty"`
}

// TaskSummary condenses a task's log.
func (m *Manager) TaskSummary(ctx context.Context, taskID string) (TaskSummary, error) {
	entries, err := m.Entries(ctx, taskID)
	if err != nil {
		return TaskSummary{}, err
	}
	if len(entries) == 0 {
		return TaskSummary{}, fmt.Errorf("worklog for task %s: %w", taskID, domain.ErrNotFound)
	}
	s := TaskSummary{TaskID: taskID, Entries: len(entries), ByKind: map[domain.LogKind]int{}}
	authors := map[string]bool{}
	for _, e := range entries {
		s.ByKind[e.Kind]++
		authors[e.Author] = true
		switch e.Kind {
		case domain.LogProgress:
			s.LastProgress = e.Content
		case domain.LogDecision:
			s.Decisions = append(s.Decisions, e.Content)
		case domain.LogChallenge:
			s.Challenges = append(s.Challenges, e.Content)
		}
	}
	first, last := entries[0].Timestamp, entries[len(entries)-1].Timestamp
	s.First, s.Last = &first, &last
	s.Authors = keys(authors)
	return s, nil
}

type DailySummary struct {
	Day      string                 `json:"day"`
	Entries  int                    `json:"entries"`
	ByKind   map[domain.LogKind]int `json:"by_kind"`
	ByAuthor map[string]int         `json:"by_author"`
	Tasks    []string               `json:"tasks"`
}

// DailySummary condenses the entries logged on day (UTC).
func (m *Manager) DailySummary(ctx context.Context, day time.Time) (DailySummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	entries, err := m.Between(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return DailySummary{}, err
	}
	s := DailySummary{
		Day:      start.Format("2006-01-02"),
		Entries:  len(entries),
		ByKind:   map[domain.LogKind]int{},
		ByAuthor: map[string]int{},
	}
	tasks := map[string]bool{}
	for _, e := range entries {
		s.ByKind[e.Kind]++
		s.ByAuthor[e.Author]++
		tasks[e.TaskID] = true
	}
	s.Tasks = keys(tasks)
	return s, nil
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsImmutable reports whether err came from an attempt to change an entry.
func IsImmutable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "immutable")
}
