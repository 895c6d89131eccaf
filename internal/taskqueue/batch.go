package taskqueue

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/multierr"

	"switchyard/internal/domain"
)

// BatchDistribute hands worker up to maxCount pending tasks that are
// assigned to it or, unless AssignedOnly is set, unassigned, in priority then
// age order. Tasks with unmet dependencies and tasks another distributor
// claimed first are skipped.
func (q Queue) BatchDistribute(ctx context.Context, worker string, maxCount int) ([]domain.Task, error) {
	if !q.Router.Exists(worker) {
		return nil, domain.NewValidationError(domain.CodeUnknownWorker, worker)
	}
	pending, err := q.List(ctx, domain.TaskPending)
	if err != nil {
		return nil, err
	}
	var (
		out  []domain.Task
		errs error
	)
	for _, t := range pending {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, multierr.Append(errs, err)
		}
		if t.Assignee != worker && (t.Assignee != "" || q.AssignedOnly) {
			continue
		}
		if ok, _ := q.dependenciesMet(t); !ok {
			continue
		}
		got, err := q.Distribute(ctx, t.ID, worker)
		switch {
		case err == nil:
			out = append(out, got)
		case domain.IsValidation(err, domain.CodeAlreadyActive),
			domain.IsValidation(err, domain.CodeInvalidTransition),
			errors.Is(err, domain.ErrNotFound):
		case got.Status == domain.TaskActive:
			// Moved and assigned; only the notification failed.
			out = append(out, got)
			errs = multierr.Append(errs, err)
		default:
			errs = multierr.Append(errs, err)
		}
	}
	q.logger().Printf("task_batch worker=%s distributed=%d", worker, len(out))
	return out, errs
}

// ReclaimStale releases active tasks distributed longer than olderThan ago.
// A non-positive olderThan uses the configured reclaim window; when that is
// zero too nothing is reclaimed.
func (q Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) ([]domain.Task, error) {
	if olderThan <= 0 {
		olderThan = q.ReclaimAfter
	}
	if olderThan <= 0 {
		return nil, nil
	}
	active, err := q.List(ctx, domain.TaskActive)
	if err != nil {
		return nil, err
	}
	cutoff := q.now().Add(-olderThan)
	var (
		out  []domain.Task
		errs error
	)
	for _, t := range active {
		since, err := q.activeSince(t)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		if !since.Before(cutoff) {
			continue
		}
		released, err := q.release(t, domain.TaskActive, "stale: worker "+t.Assignee+" did not finish")
		if err != nil {
			if !domain.IsValidation(err, domain.CodeInvalidTransition) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		out = append(out, released)
	}
	return out, errs
}

// activeSince is when t became active. A distributor that stopped between
// the rename and the rewrite leaves no DistributedAt; the file time of the
// active record stands in for it.
func (q Queue) activeSince(t domain.Task) (time.Time, error) {
	if t.DistributedAt != nil {
		return *t.DistributedAt, nil
	}
	return q.Store.ModTime(statusDir(domain.TaskActive), t.ID)
}

// Load is one worker's share of the queue.
type Load struct {
	Worker  string  `json:"worker"`
	Active  int     `json:"active"`
	Pending int     `json:"pending"`
	Effort  float64 `json:"effort"`
}

// Workload sums active and assigned-pending tasks per worker. Every
// registered worker appears, idle ones with zero counts.
func (q Queue) Workload(ctx context.Context) (map[string]Load, error) {
	out := map[string]Load{}
	workers, err := q.Router.Workers()
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w == q.Coordinator {
			continue
		}
		out[w] = Load{Worker: w}
	}
	for _, st := range []domain.TaskStatus{domain.TaskActive, domain.TaskPending} {
		tasks, err := q.List(ctx, st)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.Assignee == "" {
				continue
			}
			l := out[t.Assignee]
			l.Worker = t.Assignee
			if st == domain.TaskActive {
				l.Active++
			} else {
				l.Pending++
			}
			l.Effort += t.EstimatedEffort
			out[t.Assignee] = l
		}
	}
	return out, nil
}

// LeastLoaded picks the candidate with the fewest tasks, then the least
// effort, then the smallest id. An empty candidate list considers every
// registered worker except the coordinator.
func (q Queue) LeastLoaded(ctx context.Context, candidates []string) (string, error) {
	load, err := q.Workload(ctx)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		for w := range load {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return "", domain.NewValidationError(domain.CodeUnknownWorker, "no workers registered")
	}
	sorted := append([]string(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := load[sorted[i]], load[sorted[j]]
		if a.Active+a.Pending != b.Active+b.Pending {
			return a.Active+a.Pending < b.Active+b.Pending
		}
		if a.Effort != b.Effort {
			return a.Effort < b.Effort
		}
		return sorted[i] < sorted[j]
	})
	return sorted[0], nil
}
