package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"switchyard/internal/domain"
)

// SweepResult counts what a sweep removed or settled.
type SweepResult struct {
	Expired  int `json:"expired"`
	Pruned   int `json:"pruned"`
	Settled  int `json:"settled"`
	TempFree int `json:"temp_removed"`
}

// Sweep expires unread inbox messages, prunes processed and sent copies
// past their TTL and failed records past the retention window, and settles
// outbox records left behind by senders that crashed mid-delivery.
func (r *Router) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	workers, err := r.Workers()
	if err != nil {
		return res, err
	}
	now := r.now()
	var errs error
	for _, w := range workers {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := r.expireInbox(w, now)
		res.Expired += n
		errs = multierr.Append(errs, err)

		for _, st := range []string{Processed, Sent} {
			n, err := r.prune(w, st, func(m domain.Message) bool { return m.Expired(now) })
			res.Pruned += n
			errs = multierr.Append(errs, err)
		}
		if r.opts.FailedRetention > 0 {
			cutoff := now.Add(-r.opts.FailedRetention)
			n, err := r.prune(w, Failed, func(m domain.Message) bool {
				return m.Failure != nil && m.Failure.At.Before(cutoff)
			})
			res.Pruned += n
			errs = multierr.Append(errs, err)
		}
		n, err = r.settleOutbox(w, now)
		res.Settled += n
		errs = multierr.Append(errs, err)
	}
	if n, err := r.store.CleanTemp(time.Hour); err == nil {
		res.TempFree = n
	} else {
		errs = multierr.Append(errs, err)
	}
	r.logger.Printf("sweep expired=%d pruned=%d settled=%d temp=%d", res.Expired, res.Pruned, res.Settled, res.TempFree)
	return res, errs
}

func (r *Router) expireInbox(worker string, now time.Time) (int, error) {
	msgs, err := r.Messages(worker, Inbox)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs error
	for _, m := range msgs {
		if !m.Expired(now) {
			continue
		}
		if err := r.fail(worker, Inbox, m, domain.ReasonExpired, fmt.Sprintf("ttl %s elapsed", m.TTL()), 0); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

func (r *Router) prune(worker, state string, drop func(domain.Message) bool) (int, error) {
	msgs, err := r.Messages(worker, state)
	if err != nil {
		return 0, err
	}
	dir := WorkerDir(worker, state)
	n := 0
	var errs error
	for _, m := range msgs {
		if !drop(m) {
			continue
		}
		if err := r.store.Remove(dir, m.ID); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		n++
	}
	return n, errs
}

// settleOutbox resolves staged messages older than the whole retry budget.
// A copy already present anywhere at the recipient means delivery happened
// and only the archive step was lost.
func (r *Router) settleOutbox(worker string, now time.Time) (int, error) {
	msgs, err := r.Messages(worker, Outbox)
	if err != nil {
		return 0, err
	}
	grace := r.opts.BackoffMax * time.Duration(r.opts.MaxAttempts+1)
	n := 0
	var errs error
	for _, m := range msgs {
		if now.Sub(m.CreatedAt) < grace {
			continue
		}
		if r.delivered(m) {
			if err := r.store.Move(m.ID, WorkerDir(worker, Outbox), WorkerDir(worker, Sent)); err != nil && !errors.Is(err, domain.ErrNotFound) {
				errs = multierr.Append(errs, err)
				continue
			}
		} else if err := r.fail(worker, Outbox, m, domain.ReasonDeliveryFailed, "sender stopped before delivery", 0); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

func (r *Router) delivered(m domain.Message) bool {
	for _, st := range []string{Inbox, Processed, Failed} {
		if r.store.Exists(WorkerDir(m.To, st), m.ID) {
			return true
		}
	}
	return false
}

func sortNewestFirst(msgs []domain.Message) {
	at := func(m domain.Message) time.Time {
		if m.Failure != nil {
			return m.Failure.At
		}
		return m.CreatedAt
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return at(msgs[i]).After(at(msgs[j]))
	})
}
