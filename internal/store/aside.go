package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"switchyard/internal/domain"
)

// SetAside atomically renames a record to a unique hidden name in the same
// directory. Only one caller can set aside a given record; the rest get
// ErrNotFound. The returned token addresses the set-aside copy.
func (s *Store) SetAside(dir, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	token := asidePfx + uuid.NewString()
	err := os.Rename(s.recordPath(dir, id), filepath.Join(s.dirPath(dir), token))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.ErrNotFound
		}
		return "", domain.TransientIOError{Op: "set aside " + dir + "/" + id, Err: err}
	}
	return token, nil
}

// ReadAside loads a set-aside record.
func (s *Store) ReadAside(dir, token string) (Envelope, error) {
	return s.readPath(filepath.Join(s.dirPath(dir), token))
}

// RestoreAside puts a set-aside record back under id unless id was taken in
// the meantime, in which case ErrExists is returned and the copy is dropped.
func (s *Store) RestoreAside(dir, token, id string) error {
	aside := filepath.Join(s.dirPath(dir), token)
	defer os.Remove(aside)
	if err := os.Link(aside, s.recordPath(dir, id)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return domain.ErrExists
		}
		return domain.TransientIOError{Op: "restore " + dir + "/" + id, Err: err}
	}
	return nil
}

// DropAside deletes a set-aside record.
func (s *Store) DropAside(dir, token string) error {
	err := os.Remove(filepath.Join(s.dirPath(dir), token))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.TransientIOError{Op: "drop " + dir + "/" + token, Err: err}
	}
	return nil
}
