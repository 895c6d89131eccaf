package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
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
	store  *store.Store
	router *Router
	now    time.Time
	mu     sync.Mutex
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

func newTestEnv(t *testing.T, workers ...string) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	s, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	env := &testEnv{store: s, now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	env.router = New(s, Options{
		DefaultTTL:      time.Hour,
		MaxAttempts:     3,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      2 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		BatchSize:       10,
		FailedRetention: 24 * time.Hour,
		Logger:          logger,
		Now:             env.clock,
	})
	for _, w := range workers {
		require.NoError(t, env.router.Register(w))
	}
	return env
}

func note(t *testing.T, from, to, subject string, p domain.Priority) domain.Message {
	t.Helper()
	msg, err := domain.NewMessage(from, to, p, domain.NotificationPayload{Subject: subject})
	require.NoError(t, err)
	return msg
}

func TestSendDeliversAndArchives(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	sent, err := env.router.Send(context.Background(), note(t, "A", "B", "hello", domain.PriorityMedium))
	require.NoError(t, err)
	require.NotEmpty(t, sent.ID)
	require.Equal(t, time.Hour.Milliseconds(), sent.TTLMillis)

	require.True(t, env.store.Exists(WorkerDir("B", Inbox), sent.ID))
	require.True(t, env.store.Exists(WorkerDir("A", Sent), sent.ID))
	require.False(t, env.store.Exists(WorkerDir("A", Outbox), sent.ID))

	msgs, err := env.router.Receive(context.Background(), "B", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	p, err := msgs[0].Decode()
	require.NoError(t, err)
	require.Equal(t, domain.NotificationPayload{Subject: "hello"}, p)
	require.True(t, env.store.Exists(WorkerDir("B", Processed), sent.ID))

	again, err := env.router.Receive(context.Background(), "B", 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestSendRejectsUnknownWorkersAndBadPayloads(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	ctx := context.Background()

	_, err := env.router.Send(ctx, note(t, "A", "ghost", "x", domain.PriorityLow))
	require.True(t, domain.IsValidation(err, domain.CodeUnknownWorker), "got %v", err)

	_, err = env.router.Send(ctx, note(t, "ghost", "B", "x", domain.PriorityLow))
	require.True(t, domain.IsValidation(err, domain.CodeUnknownWorker), "got %v", err)

	bad := domain.Message{From: "A", To: "B", Type: domain.MessageRequest, Payload: []byte(`{"action":"go","extra":1}`)}
	_, err = env.router.Send(ctx, bad)
	require.True(t, domain.IsValidation(err, domain.CodeInvalidPayload), "got %v", err)

	resp := domain.Message{From: "A", To: "B", Type: domain.MessageResponse, Payload: []byte(`{}`)}
	_, err = env.router.Send(ctx, resp)
	require.True(t, domain.IsValidation(err, domain.CodeInvalidPayload), "got %v", err)

	n, err := env.store.Count(WorkerDir("B", Inbox))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReceiveOrdersByPriorityThenAge(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	ctx := context.Background()
	for i, p := range []domain.Priority{domain.PriorityLow, domain.PriorityUrgent, domain.PriorityMedium, domain.PriorityUrgent} {
		_, err := env.router.Send(ctx, note(t, "A", "B", fmt.Sprintf("m%d", i), p))
		require.NoError(t, err)
		env.advance(time.Second)
	}
	msgs, err := env.router.Receive(ctx, "B", 3)
	require.NoError(t, err)
	var subjects []string
	for _, m := range msgs {
		p, err := m.Decode()
		require.NoError(t, err)
		subjects = append(subjects, p.(domain.NotificationPayload).Subject)
	}
	require.Equal(t, []string{"m1", "m3", "m2"}, subjects)

	rest, err := env.router.Receive(ctx, "B", 3)
	require.NoError(t, err)
	require.Len(t, rest, 1)
}

func TestReceiveExpiresStaleMessages(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	ctx := context.Background()
	msg := note(t, "A", "B", "soon stale", domain.PriorityHigh)
	msg.TTLMillis = 1000
	sent, err := env.router.Send(ctx, msg)
	require.NoError(t, err)

	env.advance(2 * time.Second)
	got, err := env.router.Receive(ctx, "B", 10)
	require.NoError(t, err)
	require.Empty(t, got)

	failures, err := env.router.Failures("B", 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, sent.ID, failures[0].ID)
	require.NotNil(t, failures[0].Failure)
	require.Equal(t, domain.ReasonExpired, failures[0].Failure.Reason)
	require.False(t, env.store.Exists(WorkerDir("B", Inbox), sent.ID))
}

func TestConcurrentSendersAndReceiversDeliverExactlyOnce(t *testing.T) {
	env := newTestEnv(t, "A", "C", "W")
	ctx := context.Background()
	const perSender = 50

	var g errgroup.Group
	for _, sender := range []string{"A", "C"} {
		sender := sender
		g.Go(func() error {
			for i := 0; i < perSender; i++ {
				msg, err := domain.NewMessage(sender, "W", domain.PriorityMedium, domain.NotificationPayload{Subject: fmt.Sprintf("%s-%d", sender, i)})
				if err != nil {
					return err
				}
				if _, err := env.router.Send(ctx, msg); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	var rg errgroup.Group
	for i := 0; i < 4; i++ {
		rg.Go(func() error {
			for {
				msgs, err := env.router.Receive(ctx, "W", 7)
				if err != nil {
					return err
				}
				if len(msgs) == 0 {
					return nil
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		})
	}
	require.NoError(t, rg.Wait())

	require.Len(t, seen, 2*perSender)
	for id, n := range seen {
		require.Equal(t, 1, n, "message %s received %d times", id, n)
	}
	processed, err := env.store.Count(WorkerDir("W", Processed))
	require.NoError(t, err)
	require.Equal(t, 2*perSender, processed)
}

func TestSendMovesToFailedWhenDeliveryKeepsFailing(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	require.NoError(t, os.RemoveAll(filepath.Join(env.store.Root(), "workers", "B", Inbox)))

	msg, err := env.router.Send(context.Background(), note(t, "A", "B", "lost", domain.PriorityMedium))
	require.Error(t, err)
	var transient domain.TransientIOError
	require.True(t, errors.As(err, &transient))

	failures, err := env.router.Failures("A", 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, msg.ID, failures[0].ID)
	require.Equal(t, domain.ReasonDeliveryFailed, failures[0].Failure.Reason)
	require.Equal(t, 3, failures[0].Failure.Attempts)
	require.False(t, env.store.Exists(WorkerDir("A", Outbox), msg.ID))
}

func TestPollMovesHandlerErrorsToFailed(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ok, err := env.router.Send(ctx, note(t, "A", "B", "fine", domain.PriorityMedium))
	require.NoError(t, err)
	bad, err := env.router.Send(ctx, note(t, "A", "B", "boom", domain.PriorityMedium))
	require.NoError(t, err)

	var handled atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- env.router.Poll(ctx, "B", func(_ context.Context, m domain.Message) error {
			defer handled.Add(1)
			p, err := m.Decode()
			if err != nil {
				return err
			}
			if p.(domain.NotificationPayload).Subject == "boom" {
				return errors.New("cannot handle")
			}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return handled.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.True(t, env.store.Exists(WorkerDir("B", Processed), ok.ID))
	failures, err := env.router.Failures("B", 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, bad.ID, failures[0].ID)
	require.Equal(t, domain.ReasonHandlerError, failures[0].Failure.Reason)
	require.Equal(t, "cannot handle", failures[0].Failure.Detail)
}

func TestReplySetsInReplyTo(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	ctx := context.Background()
	req, err := domain.NewMessage("A", "B", domain.PriorityHigh, domain.RequestPayload{Action: "build"})
	require.NoError(t, err)
	req, err = env.router.Send(ctx, req)
	require.NoError(t, err)

	resp, err := env.router.Reply(ctx, req, domain.ResponsePayload{Status: "ok"})
	require.NoError(t, err)
	require.Equal(t, req.ID, resp.InReplyTo)

	msgs, err := env.router.Receive(ctx, "A", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.MessageResponse, msgs[0].Type)
	require.Equal(t, domain.PriorityHigh, msgs[0].Priority)
}

func TestReceiveStampsLiveness(t *testing.T) {
	env := newTestEnv(t, "A")
	_, ok := env.router.LastPoll("A")
	require.False(t, ok)
	_, err := env.router.Receive(context.Background(), "A", 1)
	require.NoError(t, err)
	_, ok = env.router.LastPoll("A")
	require.True(t, ok)

	workers, err := env.router.Workers()
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, workers)
}

func TestSweepPrunesAndSettles(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	ctx := context.Background()

	short := note(t, "A", "B", "short", domain.PriorityLow)
	short.TTLMillis = 1000
	_, err := env.router.Send(ctx, short)
	require.NoError(t, err)
	claimed, err := env.router.Send(ctx, note(t, "A", "B", "claimed", domain.PriorityLow))
	require.NoError(t, err)
	_, err = env.router.Receive(ctx, "B", 0)
	require.NoError(t, err)

	// Orphaned staged copy whose delivery never happened.
	orphan := note(t, "A", "B", "orphan", domain.PriorityLow)
	orphan.ID = "orphan-1"
	orphan.CreatedAt = env.clock()
	orphan.TTLMillis = time.Hour.Milliseconds()
	rec, err := envelope(orphan)
	require.NoError(t, err)
	require.NoError(t, env.store.Write(WorkerDir("A", Outbox), rec))

	env.advance(2 * time.Hour)
	res, err := env.router.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Settled)
	require.GreaterOrEqual(t, res.Pruned, 2)
	require.False(t, env.store.Exists(WorkerDir("B", Processed), claimed.ID))

	failures, err := env.router.Failures("A", 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "orphan-1", failures[0].ID)
	require.Equal(t, domain.ReasonDeliveryFailed, failures[0].Failure.Reason)
}

func TestSendRejectsReusedID(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	ctx := context.Background()
	first := note(t, "A", "B", "first", domain.PriorityHigh)
	first.ID = "same"
	_, err := env.router.Send(ctx, first)
	require.NoError(t, err)

	second := note(t, "A", "B", "second", domain.PriorityLow)
	second.ID = "same"
	_, err = env.router.Send(ctx, second)
	require.True(t, domain.IsValidation(err, domain.CodeDuplicateID), "got %v", err)
	require.False(t, env.store.Exists(WorkerDir("A", Outbox), "same"))

	msgs, err := env.router.Receive(ctx, "B", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, string(msgs[0].Payload), "first")

	// Still taken once the first copy is processed.
	_, err = env.router.Send(ctx, second)
	require.True(t, domain.IsValidation(err, domain.CodeDuplicateID), "got %v", err)
	count, err := env.store.Count(WorkerDir("B", Inbox))
	require.NoError(t, err)
	require.Zero(t, count)
}
