package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"switchyard/internal/domain"
	"switchyard/internal/store"
)

type testEnv struct {
	mgr  *Manager
	logs *bytes.Buffer
	mu   sync.Mutex
	now  time.Time
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{logs: &bytes.Buffer{}, now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	logger := log.New(&syncBuffer{buf: env.logs}, "", 0)
	s, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	mgr, err := New(s, Options{
		StaleAfter:   time.Minute,
		PollInterval: 2 * time.Millisecond,
		Logger:       logger,
		Now:          env.clock,
	})
	require.NoError(t, err)
	env.mgr = mgr
	return env
}

func TestContendedAcquireTimesOutThenSucceedsAfterRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lk, err := env.mgr.Acquire(ctx, "L", "A", time.Second)
	require.NoError(t, err)
	require.Equal(t, "A", lk.Holder)

	_, err = env.mgr.Acquire(ctx, "L", "B", 30*time.Millisecond)
	var timeout domain.TimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	require.Equal(t, "L", timeout.Resource)

	require.NoError(t, env.mgr.Release("L", "A"))
	lk, err = env.mgr.Acquire(ctx, "L", "B", 30*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "B", lk.Holder)
}

func TestAcquireIsIdempotentForHolder(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.mgr.Acquire(context.Background(), "L", "A", 0)
	require.NoError(t, err)
	env.advance(time.Second)
	again, err := env.mgr.Acquire(context.Background(), "L", "A", 0)
	require.NoError(t, err)
	require.True(t, first.AcquiredAt.Equal(again.AcquiredAt))
}

func TestReleaseByNonHolderLeavesLock(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.Acquire(context.Background(), "L", "A", 0)
	require.NoError(t, err)

	err = env.mgr.Release("L", "B")
	require.ErrorIs(t, err, domain.ErrNotHolder)
	require.Contains(t, env.logs.String(), "lock_release_not_holder")

	cur, err := env.mgr.Inspect("L")
	require.NoError(t, err)
	require.Equal(t, "A", cur.Holder)

	require.ErrorIs(t, env.mgr.Release("missing", "A"), domain.ErrNotFound)
}

func TestStaleLockIsReclaimed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.mgr.Acquire(ctx, "L", "crashed", 0)
	require.NoError(t, err)

	env.advance(2 * time.Minute)
	locks, err := env.mgr.List()
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.True(t, locks[0].Stale)

	lk, err := env.mgr.Acquire(ctx, "L", "B", 0)
	require.NoError(t, err)
	require.Equal(t, "B", lk.Holder)
	require.Contains(t, env.logs.String(), "lock_reclaimed")
	require.Contains(t, env.logs.String(), "held by crashed")
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.Acquire(context.Background(), "L", "A", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = env.mgr.Acquire(ctx, "L", "B", time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResourceNamesWithSlashes(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.Acquire(context.Background(), "src/main.go", "A", 0)
	require.NoError(t, err)
	cur, err := env.mgr.Inspect("src/main.go")
	require.NoError(t, err)
	require.Equal(t, "src/main.go", cur.Resource)

	_, err = env.mgr.Acquire(context.Background(), "", "A", 0)
	require.True(t, domain.IsValidation(err, domain.CodeInvalidID))
}

func TestMutualExclusionUnderContention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		total   atomic.Int32
	)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		holder := fmt.Sprintf("w%d", i)
		g.Go(func() error {
			for j := 0; j < 5; j++ {
				err := env.mgr.With(ctx, "shared", holder, 5*time.Second, func() error {
					n := inside.Add(1)
					if n > maxSeen.Load() {
						maxSeen.Store(n)
					}
					time.Sleep(time.Millisecond)
					total.Add(1)
					inside.Add(-1)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), maxSeen.Load())
	require.Equal(t, int32(40), total.Load())
}

func TestForeignReleaseNeverOpensLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.mgr.Acquire(ctx, "R", "A", 0)
	require.NoError(t, err)

	var stolen atomic.Int32
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 300; i++ {
			if err := env.mgr.Release("R", "B"); !errors.Is(err, domain.ErrNotHolder) {
				return fmt.Errorf("release by B: %v", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 300; i++ {
			_, err := env.mgr.Acquire(ctx, "R", "C", 0)
			if err == nil {
				stolen.Add(1)
				continue
			}
			var te domain.TimeoutError
			if !errors.As(err, &te) {
				return fmt.Errorf("acquire by C: %v", err)
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	require.Zero(t, stolen.Load())

	cur, err := env.mgr.Inspect("R")
	require.NoError(t, err)
	require.Equal(t, "A", cur.Holder)
}

func TestReclaimSkipsReplacedMarker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old, err := env.mgr.Acquire(ctx, "L", "crashed", 0)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Release("L", "crashed"))

	env.advance(2 * time.Minute)
	_, err = env.mgr.Acquire(ctx, "L", "fresh", 0)
	require.NoError(t, err)

	k, err := key("L")
	require.NoError(t, err)
	env.mgr.reclaim(k, old)

	cur, err := env.mgr.Inspect("L")
	require.NoError(t, err)
	require.Equal(t, "fresh", cur.Holder)
	require.NotContains(t, env.logs.String(), "lock_reclaimed")
}
