package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/tagged/pkg/model"
)

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"syntax", errors.New("SQL logic error: near \"SELEC\": syntax error (1)"), false},
		{"constraint", errors.New("constraint failed: UNIQUE constraint failed (2067)"), false},
		{"busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"locked table", errors.New("database table is locked (6)"), true},
		{"short read", errors.New("disk I/O error (522)"), true},
		{"wrapped", fmt.Errorf("insert mutation: %w", errors.New("SQLITE_BUSY")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientSQLiteErr(tt.err); got != tt.want {
				t.Errorf("isTransientSQLiteErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOnContention(t *testing.T) {
	calls := 0
	err := retryOnContention(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("busy twice then ok: err=%v calls=%d", err, calls)
	}

	calls = 0
	permanent := errors.New("no such table: mutations")
	err = retryOnContention(func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("permanent error: err=%v calls=%d", err, calls)
	}
}

// Two handles on one file, as when the CLI runs next to `tg serve`.
func TestConcurrentWritersShareDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	const perWriter = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*perWriter)
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.InsertMutation(&model.MutationRecord{
					Target:    model.MutationTarget{Resource: model.ResourceImage, ID: fmt.Sprint(i), Actor: "u1"},
					Phase:     model.PhaseSettled,
					CreatedAt: time.Now().UTC(),
				})
				if err != nil {
					errs <- err
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("insert: %v", err)
	}
	if n := a.CountMutations(); n != 2*perWriter {
		t.Fatalf("CountMutations = %d, want %d", n, 2*perWriter)
	}
}
