package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

var (
	_ hydro.CursorStore = (*MemoryStore)(nil)
	_ hydro.CursorStore = (*SQLiteStore)(nil)
	_ hydro.CursorStore = (*PostgresStore)(nil)
)

// testCursorStore runs the behaviour every cursor store must share.
func testCursorStore(t *testing.T, s hydro.CursorStore) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2024, 7, 1, 9, 50, 0, 123456000, time.UTC)

	if _, ok, err := s.Get(ctx, 42); err != nil || ok {
		t.Fatalf("expected no cursor, got ok=%v err=%v", ok, err)
	}

	if err := s.Advance(ctx, 42, t0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, ok, err := s.Get(ctx, 42)
	if err != nil || !ok || !got.Equal(t0) {
		t.Fatalf("expected %s, got %s ok=%v err=%v", t0, got, ok, err)
	}

	// Cursors never move backwards.
	if err := s.Advance(ctx, 42, t0.Add(-time.Hour)); err != nil {
		t.Fatalf("advance older: %v", err)
	}
	if got, _, _ := s.Get(ctx, 42); !got.Equal(t0) {
		t.Fatalf("cursor moved backwards to %s", got)
	}

	t1 := t0.Add(10 * time.Minute)
	if err := s.Advance(ctx, 42, t1); err != nil {
		t.Fatalf("advance newer: %v", err)
	}
	if err := s.Advance(ctx, 7, t0); err != nil {
		t.Fatalf("advance other sensor: %v", err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || !all[42].Equal(t1) || !all[7].Equal(t0) {
		t.Fatalf("unexpected cursors: %v", all)
	}
}

func TestMemoryStore(t *testing.T) {
	testCursorStore(t, NewMemoryStore())
}

func TestMemoryStoreConcurrentAdvance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Advance(ctx, 1, base.Add(time.Duration(i)*time.Minute))
		}()
	}
	wg.Wait()

	got, _, _ := s.Get(ctx, 1)
	if want := base.Add(49 * time.Minute); !got.Equal(want) {
		t.Fatalf("expected the latest cursor %s, got %s", want, got)
	}
}

func TestMemoryStoreAllReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Advance(ctx, 1, time.Now())

	all, _ := s.All(ctx)
	delete(all, 1)
	if _, ok, _ := s.Get(ctx, 1); !ok {
		t.Fatalf("mutating All() result changed the store")
	}
}

func TestSQLiteStoreInMemory(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	testCursorStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cursors.db")
	t0 := time.Date(2024, 7, 1, 9, 50, 0, 0, time.UTC)

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Advance(ctx, 42, t0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, ok, err := s.Get(ctx, 42)
	if err != nil || !ok || !got.Equal(t0) {
		t.Fatalf("cursor lost across restart: %s ok=%v err=%v", got, ok, err)
	}
}

func TestBuildSQLiteDSN(t *testing.T) {
	for _, in := range []string{":memory:", "file:test.db?cache=shared"} {
		got, err := buildSQLiteDSN(in)
		if err != nil || got != in {
			t.Errorf("buildSQLiteDSN(%q) = %q, %v", in, got, err)
		}
	}

	path := filepath.Join(t.TempDir(), "data", "cursors.db")
	got, err := buildSQLiteDSN(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("parent directory not created: %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	s, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.pool.Exec(ctx, `DELETE FROM relay_cursors`); err != nil {
		t.Fatalf("reset table: %v", err)
	}
	testCursorStore(t, s)
}
