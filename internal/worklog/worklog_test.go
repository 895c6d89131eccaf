package worklog_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"switchyard/internal/domain"
	"switchyard/internal/worklog"
)

type testEnv struct {
	Log *worklog.Manager
	Ctx context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	m, err := worklog.Open(ctx, t.TempDir(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open worklog: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	m.Now = func() time.Time { return time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC) }
	return testEnv{Log: m, Ctx: ctx}
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	env := newTestEnv(t)
	const n = 5
	for i := 0; i < n; i++ {
		e, err := env.Log.Append(env.Ctx, worklog.AppendOptions{TaskID: "T1", Author: "W", Content: fmt.Sprintf("step %d", i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if e.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, e.Seq)
		}
		if e.Kind != domain.LogProgress {
			t.Fatalf("expected default kind progress, got %s", e.Kind)
		}
	}
	entries, err := env.Log.Entries(env.Ctx, "T1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
	for i, e := range entries {
		if e.Content != fmt.Sprintf("step %d", i) {
			t.Fatalf("entry %d out of order: %q", i, e.Content)
		}
	}
	other, err := env.Log.Append(env.Ctx, worklog.AppendOptions{TaskID: "T2", Author: "W", Content: "first"})
	if err != nil {
		t.Fatalf("append T2: %v", err)
	}
	if other.Seq != 1 {
		t.Fatalf("seq is per task, got %d", other.Seq)
	}
}

func TestConcurrentAppendsKeepSeqDense(t *testing.T) {
	env := newTestEnv(t)
	const writers, each = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := env.Log.Append(env.Ctx, worklog.AppendOptions{TaskID: "T", Author: fmt.Sprintf("w%d", w), Content: "tick"}); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}
	entries, err := env.Log.Entries(env.Ctx, "T")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != writers*each {
		t.Fatalf("expected %d entries, got %d", writers*each, len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %d", i, e.Seq)
		}
	}
}

func TestAppendValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Log.Append(env.Ctx, worklog.AppendOptions{TaskID: "T", Author: "W", Kind: "rant", Content: "x"})
	if !domain.IsValidation(err, domain.CodeInvalidKind) {
		t.Fatalf("expected invalid_kind, got %v", err)
	}
	_, err = env.Log.Append(env.Ctx, worklog.AppendOptions{TaskID: "T", Author: "W"})
	if !domain.IsValidation(err, domain.CodeInvalidPayload) {
		t.Fatalf("expected invalid_payload, got %v", err)
	}
	_, err = env.Log.Append(env.Ctx, worklog.AppendOptions{TaskID: "../T", Author: "W", Content: "x"})
	if !domain.IsValidation(err, domain.CodeInvalidID) {
		t.Fatalf("expected invalid_id, got %v", err)
	}
}

func TestEntriesAreImmutable(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Log.Append(env.Ctx, worklog.AppendOptions{TaskID: "T", Author: "W", Content: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := env.Log.DB.ExecContext(env.Ctx, `UPDATE worklog SET content='y'`)
	if !worklog.IsImmutable(err) {
		t.Fatalf("expected immutable error on update, got %v", err)
	}
	_, err = env.Log.DB.ExecContext(env.Ctx, `DELETE FROM worklog`)
	if !worklog.IsImmutable(err) {
		t.Fatalf("expected immutable error on delete, got %v", err)
	}
}

func TestSummaries(t *testing.T) {
	env := newTestEnv(t)
	add := func(task, author string, kind domain.LogKind, content string) {
		t.Helper()
		if _, err := env.Log.Append(env.Ctx, worklog.AppendOptions{TaskID: task, Author: author, Kind: kind, Content: content}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	add("T1", "A", domain.LogProgress, "started")
	add("T1", "A", domain.LogDecision, "use sqlite")
	add("T1", "B", domain.LogChallenge, "flaky disk")
	add("T1", "A", domain.LogProgress, "halfway")
	add("T2", "B", domain.LogMetric, "p99=12ms")

	s, err := env.Log.TaskSummary(env.Ctx, "T1")
	if err != nil {
		t.Fatalf("task summary: %v", err)
	}
	if s.Entries != 4 || s.ByKind[domain.LogProgress] != 2 || s.LastProgress != "halfway" {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if len(s.Authors) != 2 || len(s.Decisions) != 1 || len(s.Challenges) != 1 {
		t.Fatalf("unexpected summary detail: %+v", s)
	}

	d, err := env.Log.DailySummary(env.Ctx, time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("daily summary: %v", err)
	}
	if d.Day != "2024-03-04" || d.Entries != 5 || len(d.Tasks) != 2 || d.ByAuthor["B"] != 2 {
		t.Fatalf("unexpected daily summary: %+v", d)
	}
	empty, err := env.Log.DailySummary(env.Ctx, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("daily summary: %v", err)
	}
	if empty.Entries != 0 {
		t.Fatalf("expected empty day, got %+v", empty)
	}

	recent, err := env.Log.Recent(env.Ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].TaskID != "T2" {
		t.Fatalf("unexpected recent: %+v", recent)
	}
}
