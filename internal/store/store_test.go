package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"switchyard/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Ensure("a", "b"))
	return s
}

func envAt(t *testing.T, id string, p domain.Priority, at time.Time) Envelope {
	t.Helper()
	env, err := Wrap(KindMessage, id, p, at, map[string]string{"id": id})
	require.NoError(t, err)
	return env
}

func TestListOrdersByPriorityThenAge(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write("a", envAt(t, "low-old", domain.PriorityLow, base)))
	require.NoError(t, s.Write("a", envAt(t, "high-new", domain.PriorityHigh, base.Add(2*time.Second))))
	require.NoError(t, s.Write("a", envAt(t, "high-old", domain.PriorityHigh, base.Add(time.Second))))
	require.NoError(t, s.Write("a", envAt(t, "urgent", domain.PriorityUrgent, base.Add(3*time.Second))))

	envs, err := s.List("a")
	require.NoError(t, err)
	var ids []string
	for _, e := range envs {
		ids = append(ids, e.ID)
	}
	require.Equal(t, []string{"urgent", "high-old", "high-new", "low-old"}, ids)
}

func TestListSkipsTempAndCorruptFiles(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write("a", envAt(t, "ok", domain.PriorityMedium, time.Now())))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "a", "broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "a", ".hidden.json"), []byte("{}"), 0o644))

	envs, err := s.List("a")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, "ok", envs[0].ID)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write("a", envAt(t, "m1", domain.PriorityMedium, time.Now())))
	entries, err := os.ReadDir(filepath.Join(s.Root(), tmpDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMoveReportsLostRace(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write("a", envAt(t, "m1", domain.PriorityMedium, time.Now())))

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Move("m1", "a", "b")
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, domain.ErrNotFound)
	}
	require.Equal(t, 1, wins)
	require.False(t, s.Exists("a", "m1"))
	require.True(t, s.Exists("b", "m1"))
}

func TestCreateExclusive(t *testing.T) {
	s := openTestStore(t)
	env := envAt(t, "res", domain.PriorityMedium, time.Now())
	require.NoError(t, s.CreateExclusive("a", env))
	err := s.CreateExclusive("a", env)
	require.ErrorIs(t, err, domain.ErrExists)
}

func TestSetAsideAndRestore(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write("a", envAt(t, "res", domain.PriorityMedium, time.Now())))

	token, err := s.SetAside("a", "res")
	require.NoError(t, err)
	require.False(t, s.Exists("a", "res"))

	_, err = s.SetAside("a", "res")
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := s.ReadAside("a", token)
	require.NoError(t, err)
	require.Equal(t, "res", got.ID)

	require.NoError(t, s.RestoreAside("a", token, "res"))
	require.True(t, s.Exists("a", "res"))
}

func TestInvalidIDsAreRejected(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"", "../escape", ".hidden", "a/b"} {
		err := s.Write("a", Envelope{ID: id})
		require.True(t, domain.IsValidation(err, domain.CodeInvalidID), "id %q: %v", id, err)
	}
}

func TestRemoveMissing(t *testing.T) {
	s := openTestStore(t)
	err := s.Remove("a", "nope")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTouchAndStamp(t *testing.T) {
	s := openTestStore(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return fixed }
	require.NoError(t, s.Touch("a", "last_poll"))
	at, err := s.Stamp("a", "last_poll")
	require.NoError(t, err)
	require.True(t, at.Equal(fixed), "stamp %s", at)

	envs, err := s.List("a")
	require.NoError(t, err)
	require.Empty(t, envs)
}
