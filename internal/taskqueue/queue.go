package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/router"
	"switchyard/internal/store"
)

// Queue moves tasks through tasks/{pending,active,completed,failed}. The
// directory holding a task is its status; every transition is one rename.
type Queue struct {
	Store        *store.Store
	Router       *router.Router
	Coordinator  string
	ReclaimAfter time.Duration
	// AssignedOnly limits BatchDistribute to tasks reserved for the worker.
	AssignedOnly bool
	Logger       *log.Logger
	Now          func() time.Time
}

// New prepares the task directories and registers the coordinator as a
// worker so task results can be delivered to it.
func New(s *store.Store, r *router.Router, cfg *config.Config, logger *log.Logger) (Queue, error) {
	if logger == nil {
		logger = log.Default()
	}
	q := Queue{
		Store:        s,
		Router:       r,
		Coordinator:  cfg.Coordinator,
		ReclaimAfter: cfg.Tasks.ReclaimAfter,
		AssignedOnly: cfg.Tasks.BatchAssignedOnly,
		Logger:       logger,
		Now:          time.Now,
	}
	dirs := make([]string, 0, len(domain.TaskStatuses))
	for _, st := range domain.TaskStatuses {
		dirs = append(dirs, statusDir(st))
	}
	if err := s.Ensure(dirs...); err != nil {
		return q, err
	}
	if err := r.Register(q.Coordinator); err != nil {
		return q, fmt.Errorf("register coordinator: %w", err)
	}
	return q, nil
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q Queue) logger() *log.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return log.Default()
}

func statusDir(st domain.TaskStatus) string { return path.Join("tasks", string(st)) }

func wrap(t domain.Task) (store.Envelope, error) {
	return store.Wrap(store.KindTask, t.ID, t.Priority, t.CreatedAt, t)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID              string
	Title           string
	Description     string
	Assignee        string
	Priority        domain.Priority
	Dependencies    []string
	Deadline        *time.Time
	EstimatedEffort float64
}

// Create validates opts and writes a new pending task. It has no other
// side effects.
func (q Queue) Create(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, domain.NewValidationError(domain.CodeInvalidPayload, "title is required")
	}
	if !opts.Priority.Valid() {
		return domain.Task{}, domain.NewValidationError(domain.CodeInvalidPriority, opts.Priority.String())
	}
	if opts.EstimatedEffort < 0 {
		return domain.Task{}, domain.NewValidationError(domain.CodeInvalidPayload, "estimated effort must not be negative")
	}
	if opts.Assignee != "" {
		if err := store.ValidateID(opts.Assignee); err != nil {
			return domain.Task{}, err
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := store.ValidateID(id); err != nil {
		return domain.Task{}, err
	}
	if _, _, err := q.find(id); err == nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrExists)
	}
	deps := make([]string, 0, len(opts.Dependencies))
	seen := map[string]bool{}
	for _, dep := range opts.Dependencies {
		if dep == id {
			return domain.Task{}, domain.NewValidationError(domain.CodeUnknownDependency, "task cannot depend on itself")
		}
		if seen[dep] {
			continue
		}
		if _, _, err := q.find(dep); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Task{}, domain.NewValidationError(domain.CodeUnknownDependency, fmt.Sprintf("dependency %s not found", dep))
			}
			return domain.Task{}, err
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	t := domain.Task{
		ID:              id,
		Title:           opts.Title,
		Description:     opts.Description,
		Assignee:        opts.Assignee,
		Priority:        opts.Priority,
		Status:          domain.TaskPending,
		Dependencies:    deps,
		CreatedAt:       q.now().UTC(),
		Deadline:        opts.Deadline,
		EstimatedEffort: opts.EstimatedEffort,
	}
	env, err := wrap(t)
	if err != nil {
		return domain.Task{}, err
	}
	if err := q.Store.CreateExclusive(statusDir(domain.TaskPending), env); err != nil {
		if errors.Is(err, domain.ErrExists) {
			return domain.Task{}, fmt.Errorf("task %s: %w", id, err)
		}
		return domain.Task{}, err
	}
	q.logger().Printf("task_created id=%s priority=%s deps=%d", t.ID, t.Priority, len(deps))
	return t, nil
}

// find locates a task by scanning the status directories. A task moving
// between two directories mid-scan is looked up once more.
func (q Queue) find(id string) (domain.Task, domain.TaskStatus, error) {
	if err := store.ValidateID(id); err != nil {
		return domain.Task{}, "", err
	}
	for attempt := 0; attempt < 2; attempt++ {
		for _, st := range domain.TaskStatuses {
			t, err := q.load(st, id)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return domain.Task{}, "", err
			}
			return t, st, nil
		}
	}
	return domain.Task{}, "", domain.ErrNotFound
}

func (q Queue) load(st domain.TaskStatus, id string) (domain.Task, error) {
	env, err := q.Store.Read(statusDir(st), id)
	if err != nil {
		return domain.Task{}, err
	}
	var t domain.Task
	if err := env.Decode(&t); err != nil {
		return domain.Task{}, err
	}
	t.Status = st
	return t, nil
}

// moved re-reads t after this caller renamed it into st, so fields written
// by a transition that landed between find and the rename are kept.
func (q Queue) moved(st domain.TaskStatus, t domain.Task) domain.Task {
	fresh, err := q.load(st, t.ID)
	if err != nil {
		q.logger().Printf("warn task_reload id=%s status=%s err=%v", t.ID, st, err)
		return t
	}
	return fresh
}

// Get returns the task with id.
func (q Queue) Get(ctx context.Context, id string) (domain.Task, error) {
	t, _, err := q.find(id)
	if err != nil && errors.Is(err, domain.ErrNotFound) {
		return t, fmt.Errorf("task %s: %w", id, err)
	}
	return t, err
}

// List returns tasks with the given status in priority then age order, or
// every task when status is empty.
func (q Queue) List(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	statuses := domain.TaskStatuses
	if status != "" {
		if !validStatus(status) {
			return nil, domain.NewValidationError(domain.CodeInvalidPayload, fmt.Sprintf("unknown task status %q", status))
		}
		statuses = []domain.TaskStatus{status}
	}
	var out []domain.Task
	for _, st := range statuses {
		envs, err := q.Store.List(statusDir(st))
		if err != nil {
			return nil, err
		}
		for _, env := range envs {
			var t domain.Task
			if err := env.Decode(&t); err != nil {
				continue
			}
			t.Status = st
			out = append(out, t)
		}
	}
	return out, nil
}

func validStatus(st domain.TaskStatus) bool {
	for _, s := range domain.TaskStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Counts returns the number of tasks per status.
func (q Queue) Counts(ctx context.Context) (map[domain.TaskStatus]int, error) {
	out := make(map[domain.TaskStatus]int, len(domain.TaskStatuses))
	for _, st := range domain.TaskStatuses {
		n, err := q.Store.Count(statusDir(st))
		if err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, nil
}

func (q Queue) dependenciesMet(t domain.Task) (bool, []string) {
	var missing []string
	for _, dep := range t.Dependencies {
		if !q.Store.Exists(statusDir(domain.TaskCompleted), dep) {
			missing = append(missing, dep)
		}
	}
	return len(missing) == 0, missing
}

// Distribute moves a pending task to active, assigns it to worker and sends
// the worker a task_assign message. An already active task is rejected with
// no state change and no message.
func (q Queue) Distribute(ctx context.Context, taskID, worker string) (domain.Task, error) {
	if !q.Router.Exists(worker) {
		return domain.Task{}, domain.NewValidationError(domain.CodeUnknownWorker, fmt.Sprintf("worker %q is not registered", worker))
	}
	t, st, err := q.find(taskID)
	if err != nil {
		return t, err
	}
	if st == domain.TaskActive {
		return t, domain.NewValidationError(domain.CodeAlreadyActive, fmt.Sprintf("task %s is already active on %s", t.ID, t.Assignee))
	}
	if err := domain.EnsureTaskTransition(st, domain.TaskActive, false); err != nil {
		return t, err
	}
	if ok, missing := q.dependenciesMet(t); !ok {
		return t, domain.NewValidationError(domain.CodeDependenciesUnmet, fmt.Sprintf("waiting on %s", strings.Join(missing, ", ")))
	}
	if err := q.Store.Move(t.ID, statusDir(domain.TaskPending), statusDir(domain.TaskActive)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return t, domain.NewValidationError(domain.CodeAlreadyActive, fmt.Sprintf("task %s was distributed concurrently", t.ID))
		}
		return t, err
	}
	t = q.moved(domain.TaskActive, t)
	now := q.now().UTC()
	t.Status = domain.TaskActive
	t.Assignee = worker
	t.Assigner = q.Coordinator
	t.DistributedAt = &now
	if err := q.replace(domain.TaskActive, t); err != nil {
		return t, err
	}
	q.logger().Printf("task_distributed id=%s worker=%s", t.ID, worker)

	msg, err := domain.NewMessage(q.Coordinator, worker, t.Priority, domain.TaskAssignPayload{
		TaskID:          t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Dependencies:    t.Dependencies,
		Deadline:        t.Deadline,
		EstimatedEffort: t.EstimatedEffort,
	})
	if err != nil {
		return t, err
	}
	if _, err := q.Router.Send(ctx, msg); err != nil {
		return t, fmt.Errorf("notify %s of task %s: %w", worker, t.ID, err)
	}
	return t, nil
}

func (q Queue) replace(st domain.TaskStatus, t domain.Task) error {
	env, err := wrap(t)
	if err != nil {
		return err
	}
	return q.Store.Replace(statusDir(st), env)
}

// Complete finishes an active task successfully.
func (q Queue) Complete(ctx context.Context, taskID string, result json.RawMessage) (domain.Task, error) {
	if len(result) > 0 && !json.Valid(result) {
		return domain.Task{}, domain.NewValidationError(domain.CodeInvalidPayload, "result must be valid JSON")
	}
	return q.finish(ctx, taskID, domain.TaskCompleted, func(t *domain.Task) {
		t.Result = result
	})
}

// Fail finishes an active task with an error.
func (q Queue) Fail(ctx context.Context, taskID, reason string) (domain.Task, error) {
	return q.finish(ctx, taskID, domain.TaskFailed, func(t *domain.Task) {
		t.Error = reason
	})
}

func (q Queue) finish(ctx context.Context, taskID string, to domain.TaskStatus, apply func(*domain.Task)) (domain.Task, error) {
	t, st, err := q.find(taskID)
	if err != nil {
		return t, err
	}
	if err := domain.EnsureTaskTransition(st, to, false); err != nil {
		return t, err
	}
	if err := q.Store.Move(t.ID, statusDir(domain.TaskActive), statusDir(to)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return t, domain.NewValidationError(domain.CodeInvalidTransition, fmt.Sprintf("task %s is no longer active", t.ID))
		}
		return t, err
	}
	t = q.moved(to, t)
	finished := q.now().UTC()
	t.Status = to
	t.FinishedAt = &finished
	apply(&t)
	if err := q.replace(to, t); err != nil {
		return t, err
	}
	q.logger().Printf("task_finished id=%s status=%s worker=%s", t.ID, to, t.Assignee)

	if t.Assigner == "" || t.Assignee == "" {
		return t, nil
	}
	msg, err := domain.NewMessage(t.Assignee, t.Assigner, t.Priority, domain.TaskResultPayload{
		TaskID: t.ID,
		Status: to,
		Result: t.Result,
		Error:  t.Error,
	})
	if err != nil {
		return t, err
	}
	if _, err := q.Router.Send(ctx, msg); err != nil {
		return t, fmt.Errorf("notify %s of task %s: %w", t.Assigner, t.ID, err)
	}
	return t, nil
}

// Release returns an active task to pending and clears its assignment.
func (q Queue) Release(ctx context.Context, taskID, reason string) (domain.Task, error) {
	t, st, err := q.find(taskID)
	if err != nil {
		return t, err
	}
	return q.release(t, st, reason)
}

func (q Queue) release(t domain.Task, st domain.TaskStatus, reason string) (domain.Task, error) {
	if err := domain.EnsureTaskTransition(st, domain.TaskPending, true); err != nil {
		return t, err
	}
	if err := q.Store.Move(t.ID, statusDir(domain.TaskActive), statusDir(domain.TaskPending)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return t, domain.NewValidationError(domain.CodeInvalidTransition, fmt.Sprintf("task %s is no longer active", t.ID))
		}
		return t, err
	}
	t = q.moved(domain.TaskPending, t)
	prev := t.Assignee
	t.Status = domain.TaskPending
	t.Assignee = ""
	t.Assigner = ""
	t.DistributedAt = nil
	t.Releases++
	t.ReleaseReason = reason
	if err := q.replace(domain.TaskPending, t); err != nil {
		return t, err
	}
	q.logger().Printf("task_released id=%s worker=%s reason=%q", t.ID, prev, reason)
	return t, nil
}
