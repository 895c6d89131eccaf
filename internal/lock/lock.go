// Package lock provides advisory cross-process locks as marker records in
// the locks/ directory. Creation is an exclusive link, so exactly one
// contender wins; markers older than the staleness threshold are reclaimed.
package lock

import (
	"context"
	"errors"
	"log"
	"net/url"
	"os"
	"time"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/store"
)

const dir = "locks"

type Options struct {
	StaleAfter   time.Duration
	PollInterval time.Duration
	Logger       *log.Logger
	Now          func() time.Time
}

// OptionsFromConfig copies the locks section of cfg.
func OptionsFromConfig(cfg *config.Config, logger *log.Logger) Options {
	return Options{
		StaleAfter:   cfg.Locks.StaleAfter,
		PollInterval: cfg.Locks.PollInterval,
		Logger:       logger,
	}
}

type Manager struct {
	store  *store.Store
	opts   Options
	logger *log.Logger
	host   string
	pid    int
}

// Status is a lock marker as seen by status consumers.
type Status struct {
	domain.Lock
	Age   time.Duration `json:"age"`
	Stale bool          `json:"stale"`
}

func New(s *store.Store, opts Options) (*Manager, error) {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if err := s.Ensure(dir); err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	return &Manager{store: s, opts: opts, logger: logger, host: host, pid: os.Getpid()}, nil
}

func (m *Manager) now() time.Time {
	if m.opts.Now != nil {
		return m.opts.Now()
	}
	return time.Now()
}

// key maps a resource name to a record id. Resource names may contain
// slashes; the marker file name may not.
func key(resource string) (string, error) {
	if resource == "" {
		return "", domain.NewValidationError(domain.CodeInvalidID, "resource is required")
	}
	k := url.PathEscape(resource)
	if err := store.ValidateID(k); err != nil {
		return "", err
	}
	return k, nil
}

// Acquire takes the lock on resource for holder. It waits, polling, until
// the lock is free, ctx ends or timeout elapses (TimeoutError). A timeout
// of zero makes a single attempt. Acquiring a lock already held by holder
// returns the existing marker unchanged.
func (m *Manager) Acquire(ctx context.Context, resource, holder string, timeout time.Duration) (domain.Lock, error) {
	k, err := key(resource)
	if err != nil {
		return domain.Lock{}, err
	}
	if err := store.ValidateID(holder); err != nil {
		return domain.Lock{}, err
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		now := m.now().UTC()
		lk := domain.Lock{
			Resource:      resource,
			Holder:        holder,
			AcquiredAt:    now,
			TimeoutMillis: timeout.Milliseconds(),
			Host:          m.host,
			PID:           m.pid,
		}
		env, err := store.Wrap(store.KindLock, k, domain.PriorityMedium, now, lk)
		if err != nil {
			return domain.Lock{}, err
		}
		err = m.store.CreateExclusive(dir, env)
		if err == nil {
			m.logger.Printf("lock_acquired resource=%s holder=%s", resource, holder)
			return lk, nil
		}
		if !errors.Is(err, domain.ErrExists) {
			return domain.Lock{}, err
		}

		cur, err := m.inspect(k)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			continue
		case err != nil:
			// Unreadable marker; let staleness by file age decide.
			mod, merr := m.store.ModTime(dir, k)
			if merr == nil && now.Sub(mod) > m.opts.StaleAfter {
				m.reclaim(k, domain.Lock{Resource: resource, AcquiredAt: mod})
				continue
			}
		case cur.Holder == holder:
			return cur, nil
		case cur.Age(now) > m.opts.StaleAfter:
			m.reclaim(k, cur)
			continue
		}

		if timeout <= 0 {
			return domain.Lock{}, domain.TimeoutError{Op: "acquire", Resource: resource, After: 0}
		}
		t := time.NewTimer(m.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return domain.Lock{}, ctx.Err()
		case <-expired:
			t.Stop()
			return domain.Lock{}, domain.TimeoutError{Op: "acquire", Resource: resource, After: timeout}
		case <-t.C:
		}
	}
}

// reclaim removes the stale marker observed as cur. The marker is re-read
// first and left alone if it changed; a marker replaced between that read
// and the set-aside is put back.
func (m *Manager) reclaim(k string, cur domain.Lock) {
	if !m.unchanged(k, cur) {
		return
	}
	token, err := m.store.SetAside(dir, k)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.Printf("warn lock_reclaim resource=%s err=%v", cur.Resource, err)
		}
		return
	}
	var got domain.Lock
	env, err := m.store.ReadAside(dir, token)
	if err == nil {
		err = env.Decode(&got)
	}
	if err == nil && !sameMarker(got, cur) {
		if rerr := m.store.RestoreAside(dir, token, k); rerr != nil {
			m.logger.Printf("warn lock_reclaim_restore resource=%s holder=%s err=%v", got.Resource, got.Holder, rerr)
		}
		return
	}
	if err := m.store.DropAside(dir, token); err != nil {
		m.logger.Printf("warn lock_reclaim resource=%s err=%v", cur.Resource, err)
	}
	stale := domain.StaleOwnerError{Resource: cur.Resource, Holder: cur.Holder, Age: cur.Age(m.now())}
	m.logger.Printf("warn lock_reclaimed %v", stale)
}

// unchanged reports whether the marker under k is still the one observed as
// cur. An unreadable marker is observed with an empty holder and its file
// time as AcquiredAt.
func (m *Manager) unchanged(k string, cur domain.Lock) bool {
	got, err := m.inspect(k)
	switch {
	case err == nil:
		return sameMarker(got, cur)
	case errors.Is(err, domain.ErrNotFound):
		return false
	case cur.Holder != "":
		return false
	}
	mod, err := m.store.ModTime(dir, k)
	return err == nil && mod.Equal(cur.AcquiredAt)
}

func sameMarker(a, b domain.Lock) bool {
	return a.Holder == b.Holder && a.AcquiredAt.Equal(b.AcquiredAt)
}

// Release removes holder's lock on resource. A lock held by someone else is
// never touched and ErrNotHolder is returned.
func (m *Manager) Release(resource, holder string) error {
	k, err := key(resource)
	if err != nil {
		return err
	}
	cur, err := m.inspect(k)
	if err != nil {
		return err
	}
	if cur.Holder != holder {
		m.logger.Printf("warn lock_release_not_holder resource=%s holder=%s caller=%s", resource, cur.Holder, holder)
		return domain.ErrNotHolder
	}
	token, err := m.store.SetAside(dir, k)
	if err != nil {
		return err
	}
	var got domain.Lock
	env, err := m.store.ReadAside(dir, token)
	if err == nil {
		err = env.Decode(&got)
	}
	if err != nil || !sameMarker(got, cur) {
		// Replaced after the check above; put it back.
		if rerr := m.store.RestoreAside(dir, token, k); rerr != nil {
			m.logger.Printf("error lock_release_restore resource=%s holder=%s err=%v", resource, got.Holder, rerr)
		}
		if err != nil {
			return err
		}
		return domain.ErrNotHolder
	}
	if err := m.store.DropAside(dir, token); err != nil {
		return err
	}
	m.logger.Printf("lock_released resource=%s holder=%s", resource, holder)
	return nil
}

// With runs fn while holding the lock on resource.
func (m *Manager) With(ctx context.Context, resource, holder string, timeout time.Duration, fn func() error) error {
	if _, err := m.Acquire(ctx, resource, holder, timeout); err != nil {
		return err
	}
	defer func() {
		if err := m.Release(resource, holder); err != nil {
			m.logger.Printf("warn lock_release resource=%s err=%v", resource, err)
		}
	}()
	return fn()
}

// Inspect returns the current marker for resource.
func (m *Manager) Inspect(resource string) (domain.Lock, error) {
	k, err := key(resource)
	if err != nil {
		return domain.Lock{}, err
	}
	return m.inspect(k)
}

func (m *Manager) inspect(k string) (domain.Lock, error) {
	env, err := m.store.Read(dir, k)
	if err != nil {
		return domain.Lock{}, err
	}
	var lk domain.Lock
	if err := env.Decode(&lk); err != nil {
		return domain.Lock{}, err
	}
	return lk, nil
}

// List returns every marker, oldest first, flagged stale where applicable.
func (m *Manager) List() ([]Status, error) {
	envs, err := m.store.List(dir)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]Status, 0, len(envs))
	for _, env := range envs {
		var lk domain.Lock
		if err := env.Decode(&lk); err != nil {
			continue
		}
		age := lk.Age(now)
		out = append(out, Status{Lock: lk, Age: age, Stale: age > m.opts.StaleAfter})
	}
	return out, nil
}
