package prefs_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/achilleshq/sentinel/internal/prefs"
	"github.com/achilleshq/sentinel/internal/testutil"
)

func openStore(t *testing.T) *prefs.Store {
	t.Helper()
	s, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.db"), &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGet_EmptyStore(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	p, err := s.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.LastProjectID != "" || p.LastEnv != "" {
		t.Fatalf("prefs = %+v", p)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	want := prefs.Prefs{LastProjectID: "p1", LastEnv: "staging"}
	if err := s.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Fatalf("prefs = %+v", got)
	}

	// Overwrite sticks.
	want.LastEnv = "production"
	if err := s.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err = s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Fatalf("prefs = %+v", got)
	}
}

func TestSet_EmptyFieldClears(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, prefs.Prefs{LastProjectID: "p1", LastEnv: "staging"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, prefs.Prefs{LastProjectID: "p1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastProjectID != "p1" || got.LastEnv != "" {
		t.Fatalf("prefs = %+v", got)
	}
}

func TestSetLastUsed(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	if err := s.SetLastUsed(ctx, "p7", "development"); err != nil {
		t.Fatalf("SetLastUsed: %v", err)
	}
	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastProjectID != "p7" || got.LastEnv != "development" {
		t.Fatalf("prefs = %+v", got)
	}
}

func TestReopenPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prefs.db")

	s, err := prefs.Open(path, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetLastUsed(context.Background(), "p1", "staging"); err != nil {
		t.Fatalf("SetLastUsed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = prefs.Open(path, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastProjectID != "p1" || got.LastEnv != "staging" {
		t.Fatalf("prefs = %+v", got)
	}
}
