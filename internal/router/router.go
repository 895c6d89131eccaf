// Package router delivers messages between workers through per-worker
// state-directories:
//
//	workers/<id>/inbox      delivered, not yet received
//	workers/<id>/outbox     staged by this worker, delivery in progress
//	workers/<id>/sent       audit copy of every delivered message
//	workers/<id>/processed  claimed by a receive call
//	workers/<id>/failed     expired, undeliverable or rejected by a handler
//
// Ordering is (priority desc, created_at asc) within one inbox only.
// Delivery is at-most-once per receive: the inbox->processed rename has a
// single winner when several pollers drain the same inbox.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/store"
)

// State-directory names under workers/<id>.
const (
	Inbox     = "inbox"
	Outbox    = "outbox"
	Sent      = "sent"
	Processed = "processed"
	Failed    = "failed"

	livenessStamp = "last_poll"
)

var workerStates = []string{Inbox, Outbox, Sent, Processed, Failed}

// WorkerDir returns the store directory for one of a worker's states.
func WorkerDir(worker, state string) string {
	return path.Join("workers", worker, state)
}

func workerRoot(worker string) string { return path.Join("workers", worker) }

type Options struct {
	DefaultTTL      time.Duration
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	PollInterval    time.Duration
	BatchSize       int
	FailedRetention time.Duration
	Logger          *log.Logger
	Now             func() time.Time
}

// OptionsFromConfig copies the router section of cfg.
func OptionsFromConfig(cfg *config.Config, logger *log.Logger) Options {
	return Options{
		DefaultTTL:      cfg.Router.DefaultTTL,
		MaxAttempts:     cfg.Router.MaxAttempts,
		BackoffInitial:  cfg.Router.BackoffInitial,
		BackoffMax:      cfg.Router.BackoffMax,
		PollInterval:    cfg.Router.PollInterval,
		BatchSize:       cfg.Router.BatchSize,
		FailedRetention: cfg.Router.FailedRetention,
		Logger:          logger,
	}
}

type Router struct {
	store  *store.Store
	opts   Options
	logger *log.Logger
}

func New(s *store.Store, opts Options) *Router {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 25 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Router{store: s, opts: opts, logger: logger}
}

func (r *Router) now() time.Time {
	if r.opts.Now != nil {
		return r.opts.Now()
	}
	return time.Now()
}

// Register creates the worker's state-directories. It is idempotent.
func (r *Router) Register(worker string) error {
	if err := store.ValidateID(worker); err != nil {
		return err
	}
	dirs := make([]string, 0, len(workerStates))
	for _, st := range workerStates {
		dirs = append(dirs, WorkerDir(worker, st))
	}
	return r.store.Ensure(dirs...)
}

// Exists reports whether worker has been registered.
func (r *Router) Exists(worker string) bool {
	if store.ValidateID(worker) != nil {
		return false
	}
	return r.store.DirExists(workerRoot(worker))
}

// Workers lists registered worker ids.
func (r *Router) Workers() ([]string, error) {
	return r.store.Subdirs("workers")
}

func (r *Router) requireWorker(worker, role string) error {
	if err := store.ValidateID(worker); err != nil {
		return err
	}
	if !r.Exists(worker) {
		return domain.NewValidationError(domain.CodeUnknownWorker, fmt.Sprintf("%s %q is not registered", role, worker))
	}
	return nil
}

func envelope(msg domain.Message) (store.Envelope, error) {
	return store.Wrap(store.KindMessage, msg.ID, msg.Priority, msg.CreatedAt, msg)
}

func decode(env store.Envelope) (domain.Message, error) {
	var msg domain.Message
	if err := env.Decode(&msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Send validates msg, assigns id and created_at, and delivers it to the
// recipient's inbox, keeping an audit copy in the sender's sent store.
// Transient I/O failures are retried with exponential backoff; when the
// attempts run out the message lands in the sender's failed store.
func (r *Router) Send(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := r.requireWorker(msg.From, "sender"); err != nil {
		return msg, err
	}
	if err := r.requireWorker(msg.To, "recipient"); err != nil {
		return msg, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	} else if err := store.ValidateID(msg.ID); err != nil {
		return msg, err
	}
	if msg.TTLMillis == 0 && r.opts.DefaultTTL > 0 {
		msg.TTLMillis = r.opts.DefaultTTL.Milliseconds()
	}
	msg.CreatedAt = r.now().UTC()
	msg.Failure = nil
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	env, err := envelope(msg)
	if err != nil {
		return msg, err
	}
	outbox := WorkerDir(msg.From, Outbox)
	if _, err := r.retry(ctx, "stage", func() error { return r.store.CreateExclusive(outbox, env) }); err != nil {
		if errors.Is(err, domain.ErrExists) {
			return msg, duplicateID(msg.ID)
		}
		return msg, err
	}
	if r.seen(msg) {
		r.unstage(outbox, msg.ID)
		return msg, duplicateID(msg.ID)
	}
	attempts, err := r.retry(ctx, "deliver", func() error { return r.store.CreateExclusive(WorkerDir(msg.To, Inbox), env) })
	if errors.Is(err, domain.ErrExists) {
		r.unstage(outbox, msg.ID)
		return msg, duplicateID(msg.ID)
	}
	if err != nil {
		r.logger.Printf("warn send_failed id=%s from=%s to=%s attempts=%d err=%v", msg.ID, msg.From, msg.To, attempts, err)
		if ferr := r.fail(msg.From, Outbox, msg, domain.ReasonDeliveryFailed, err.Error(), attempts); ferr != nil {
			r.logger.Printf("error send_failed_record id=%s err=%v", msg.ID, ferr)
		}
		return msg, fmt.Errorf("deliver %s to %s: %w", msg.ID, msg.To, err)
	}
	if _, err := r.retry(ctx, "archive", func() error { return r.store.Move(msg.ID, outbox, WorkerDir(msg.From, Sent)) }); err != nil {
		// Delivered; the sweeper settles the staged copy.
		r.logger.Printf("warn send_archive id=%s from=%s err=%v", msg.ID, msg.From, err)
	}
	return msg, nil
}

func duplicateID(id string) error {
	return domain.NewValidationError(domain.CodeDuplicateID, fmt.Sprintf("message id %q is already in use", id))
}

// seen reports whether msg.ID is already held by the sender's audit stores
// or any of the recipient's stores.
func (r *Router) seen(msg domain.Message) bool {
	for _, dir := range []string{
		WorkerDir(msg.From, Sent),
		WorkerDir(msg.From, Failed),
		WorkerDir(msg.To, Inbox),
		WorkerDir(msg.To, Processed),
		WorkerDir(msg.To, Failed),
	} {
		if r.store.Exists(dir, msg.ID) {
			return true
		}
	}
	return false
}

func (r *Router) unstage(outbox, id string) {
	if err := r.store.Remove(outbox, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.Printf("warn send_unstage id=%s err=%v", id, err)
	}
}

// Reply sends p back to the sender of original.
func (r *Router) Reply(ctx context.Context, original domain.Message, p domain.Payload) (domain.Message, error) {
	msg, err := domain.NewMessage(original.To, original.From, original.Priority, p)
	if err != nil {
		return msg, err
	}
	msg.InReplyTo = original.ID
	return r.Send(ctx, msg)
}

// retry runs fn until it succeeds, returns a non-transient error, ctx ends
// or the attempt budget is spent. It returns the number of attempts made.
func (r *Router) retry(ctx context.Context, op string, fn func() error) (int, error) {
	delay := r.opts.BackoffInitial
	var err error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return attempt, nil
		}
		var transient domain.TransientIOError
		if !errors.As(err, &transient) {
			return attempt, err
		}
		if attempt == r.opts.MaxAttempts {
			return attempt, err
		}
		r.logger.Printf("warn retry op=%s attempt=%d delay=%s err=%v", op, attempt, delay, err)
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, serr
		}
		delay *= 2
		if delay > r.opts.BackoffMax {
			delay = r.opts.BackoffMax
		}
	}
	return r.opts.MaxAttempts, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fail moves msg from one of worker's states into its failed store and
// records the reason. Losing the move race is not an error.
func (r *Router) fail(worker, from string, msg domain.Message, reason, detail string, attempts int) error {
	failed := WorkerDir(worker, Failed)
	if err := r.store.Move(msg.ID, WorkerDir(worker, from), failed); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	msg.Failure = &domain.Failure{
		Reason:   reason,
		Detail:   detail,
		At:       r.now().UTC(),
		Attempts: attempts,
	}
	env, err := envelope(msg)
	if err != nil {
		return err
	}
	return r.store.Replace(failed, env)
}

// Receive claims up to maxBatch messages from worker's inbox in priority
// order. Expired messages found on the way are moved to the failed store
// with reason "expired" and never returned. A maxBatch below one uses the
// configured batch size.
func (r *Router) Receive(ctx context.Context, worker string, maxBatch int) ([]domain.Message, error) {
	if err := r.requireWorker(worker, "worker"); err != nil {
		return nil, err
	}
	if maxBatch < 1 {
		maxBatch = r.opts.BatchSize
	}
	if err := r.store.Touch(workerRoot(worker), livenessStamp); err != nil {
		r.logger.Printf("warn liveness_stamp worker=%s err=%v", worker, err)
	}
	inbox := WorkerDir(worker, Inbox)
	envs, err := r.store.List(inbox)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]domain.Message, 0, maxBatch)
	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg, err := decode(env)
		if err != nil {
			msg = domain.Message{ID: env.ID, To: worker, CreatedAt: env.CreatedAt, Priority: env.Priority}
			if ferr := r.fail(worker, Inbox, msg, domain.CodeInvalidPayload, err.Error(), 0); ferr != nil {
				r.logger.Printf("error receive_reject id=%s err=%v", env.ID, ferr)
			}
			continue
		}
		if msg.Expired(now) {
			if err := r.fail(worker, Inbox, msg, domain.ReasonExpired, fmt.Sprintf("ttl %s elapsed", msg.TTL()), 0); err != nil {
				r.logger.Printf("error receive_expire id=%s err=%v", msg.ID, err)
			} else {
				r.logger.Printf("message_expired id=%s worker=%s", msg.ID, worker)
			}
			continue
		}
		if len(out) >= maxBatch {
			continue
		}
		if err := r.store.Move(msg.ID, inbox, WorkerDir(worker, Processed)); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// LastPoll returns when worker last called Receive.
func (r *Router) LastPoll(worker string) (time.Time, bool) {
	at, err := r.store.Stamp(workerRoot(worker), livenessStamp)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Messages lists the messages in one of worker's states.
func (r *Router) Messages(worker, state string) ([]domain.Message, error) {
	envs, err := r.store.List(WorkerDir(worker, state))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(envs))
	for _, env := range envs {
		msg, err := decode(env)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Failures returns the most recent failed messages of worker, newest first.
func (r *Router) Failures(worker string, limit int) ([]domain.Message, error) {
	msgs, err := r.Messages(worker, Failed)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// Depths counts the records in each of worker's states.
func (r *Router) Depths(worker string) (map[string]int, error) {
	out := make(map[string]int, len(workerStates))
	for _, st := range workerStates {
		n, err := r.store.Count(WorkerDir(worker, st))
		if err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, nil
}
