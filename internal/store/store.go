// Package store keeps records as one JSON file each inside named
// state-directories under a root. Directory membership is the record's
// state; atomic rename and exclusive link are the only concurrency
// primitives, so no reader ever sees a partial file and no two processes can
// both win a move of the same record.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"switchyard/internal/domain"
)

const (
	tmpDir    = ".tmp"
	recordExt = ".json"
	asidePfx  = ".aside-"
)

type Store struct {
	root   string
	logger *log.Logger
	Now    func() time.Time
}

// Open prepares root (and its temp area) and returns a store bound to it.
func Open(root string, logger *log.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure root: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{root: abs, logger: logger, Now: time.Now}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) dirPath(dir string) string {
	return filepath.Join(s.root, filepath.FromSlash(dir))
}

func (s *Store) recordPath(dir, id string) string {
	return filepath.Join(s.dirPath(dir), id+recordExt)
}

// ValidateID rejects ids that cannot be used as a single file name.
func ValidateID(id string) error {
	switch {
	case id == "":
		return domain.NewValidationError(domain.CodeInvalidID, "id is required")
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0):
		return domain.NewValidationError(domain.CodeInvalidID, fmt.Sprintf("id %q contains a path separator", id))
	case strings.HasPrefix(id, "."):
		return domain.NewValidationError(domain.CodeInvalidID, fmt.Sprintf("id %q must not start with a dot", id))
	case len(id) > 200:
		return domain.NewValidationError(domain.CodeInvalidID, "id is too long")
	}
	return nil
}

// Ensure creates the given state-directories.
func (s *Store) Ensure(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(s.dirPath(d), 0o755); err != nil {
			return domain.TransientIOError{Op: "ensure " + d, Err: err}
		}
	}
	return nil
}

// DirExists reports whether dir exists under the root.
func (s *Store) DirExists(dir string) bool {
	info, err := os.Stat(s.dirPath(dir))
	return err == nil && info.IsDir()
}

// Subdirs lists the directory names directly under parent.
func (s *Store) Subdirs(parent string) ([]string, error) {
	entries, err := os.ReadDir(s.dirPath(parent))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// writeTemp writes data to a fresh temp file in the root's temp area and
// syncs it. The caller renames or links it into place.
func (s *Store) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "rec-*.tmp")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func (s *Store) encode(env Envelope) ([]byte, error) {
	if err := ValidateID(env.ID); err != nil {
		return nil, err
	}
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = s.now().UTC()
	}
	return json.MarshalIndent(env, "", "  ")
}

// Write atomically places env into dir, replacing a record with the same id.
// Callers only replace records they own (i.e. that they moved into dir).
func (s *Store) Write(dir string, env Envelope) error {
	data, err := s.encode(env)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(data)
	if err != nil {
		return domain.TransientIOError{Op: "write " + dir + "/" + env.ID, Err: err}
	}
	if err := os.Rename(tmp, s.recordPath(dir, env.ID)); err != nil {
		os.Remove(tmp)
		return domain.TransientIOError{Op: "write " + dir + "/" + env.ID, Err: err}
	}
	return nil
}

// Replace rewrites a record the caller owns, stamping UpdatedAt.
func (s *Store) Replace(dir string, env Envelope) error {
	env.UpdatedAt = s.now().UTC()
	return s.Write(dir, env)
}

// CreateExclusive places env into dir only if no record with the same id
// exists. The link(2) of a complete temp file is the compare-and-swap.
func (s *Store) CreateExclusive(dir string, env Envelope) error {
	data, err := s.encode(env)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(data)
	if err != nil {
		return domain.TransientIOError{Op: "create " + dir + "/" + env.ID, Err: err}
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, s.recordPath(dir, env.ID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return domain.ErrExists
		}
		return domain.TransientIOError{Op: "create " + dir + "/" + env.ID, Err: err}
	}
	return nil
}

func (s *Store) readPath(path string) (Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Envelope{}, domain.ErrNotFound
		}
		return Envelope{}, domain.TransientIOError{Op: "read " + path, Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return env, nil
}

// Read loads one record.
func (s *Store) Read(dir, id string) (Envelope, error) {
	if err := ValidateID(id); err != nil {
		return Envelope{}, err
	}
	return s.readPath(s.recordPath(dir, id))
}

// Exists reports whether dir currently holds id.
func (s *Store) Exists(dir, id string) bool {
	if ValidateID(id) != nil {
		return false
	}
	_, err := os.Stat(s.recordPath(dir, id))
	return err == nil
}

func (s *Store) recordNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(s.dirPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, domain.TransientIOError{Op: "list " + dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// List returns the records in dir ordered by priority desc, created_at asc.
// Records moved away mid-scan are skipped, as are undecodable files.
func (s *Store) List(dir string) ([]Envelope, error) {
	names, err := s.recordNames(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(names))
	for _, name := range names {
		env, err := s.readPath(filepath.Join(s.dirPath(dir), name))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			s.logger.Printf("warn store_skip dir=%s file=%s err=%v", dir, name, err)
			continue
		}
		out = append(out, env)
	}
	SortEnvelopes(out)
	return out, nil
}

// SortEnvelopes orders by priority desc, then created_at asc, then id.
func SortEnvelopes(envs []Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		a, b := envs[i], envs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Count returns the number of records in dir without decoding them.
func (s *Store) Count(dir string) (int, error) {
	names, err := s.recordNames(dir)
	return len(names), err
}

// Move renames id from one state-directory to another. ErrNotFound means
// the record is no longer in from: a competitor claimed it first.
func (s *Store) Move(id, from, to string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	src := s.recordPath(from, id)
	if err := os.Rename(src, s.recordPath(to, id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Lstat(src); errors.Is(statErr, fs.ErrNotExist) {
				return domain.ErrNotFound
			}
		}
		return domain.TransientIOError{Op: fmt.Sprintf("move %s %s -> %s", id, from, to), Err: err}
	}
	return nil
}

// Remove deletes a record. Removing a missing record returns ErrNotFound.
func (s *Store) Remove(dir, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.recordPath(dir, id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return domain.TransientIOError{Op: "remove " + dir + "/" + id, Err: err}
	}
	return nil
}

// ModTime returns the last modification time of a record file.
func (s *Store) ModTime(dir, id string) (time.Time, error) {
	info, err := os.Stat(s.recordPath(dir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, domain.ErrNotFound
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Touch creates or refreshes a dot-file stamp in dir. Stamps are not records.
func (s *Store) Touch(dir, name string) error {
	path := filepath.Join(s.dirPath(dir), "."+name)
	now := s.now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.TransientIOError{Op: "touch " + path, Err: err}
	}
	f.Close()
	return os.Chtimes(path, now, now)
}

// Stamp returns the time a stamp was last touched.
func (s *Store) Stamp(dir, name string) (time.Time, error) {
	info, err := os.Stat(filepath.Join(s.dirPath(dir), "."+name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, domain.ErrNotFound
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// CleanTemp removes temp files older than age left behind by crashed writers.
func (s *Store) CleanTemp(age time.Duration) (int, error) {
	dir := filepath.Join(s.root, tmpDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-age)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return removed, nil
}
