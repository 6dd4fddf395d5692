package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openSQLite(t *testing.T) *SQLiteKV {
	t.Helper()
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestSQLiteKV_PutGetDelete(t *testing.T) {
	kv := openSQLite(t)
	ctx := context.Background()

	if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := kv.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	// Upsert replaces.
	if err := kv.Put(ctx, "k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, err := kv.Get(ctx, "k")
	if err != nil || string(got) != "v2" {
		t.Fatalf("get = %q, %v", got, err)
	}

	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteKV_ScanPrefix(t *testing.T) {
	kv := openSQLite(t)
	ctx := context.Background()

	entries := map[string]string{
		"schedules/a": "1",
		"schedules/b": "2",
		"agents/x":    "3",
		// Keys containing LIKE wildcards must not leak into scans.
		"sched_x/y": "4",
	}
	for k, v := range entries {
		if err := kv.Put(ctx, k, []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := kv.ScanPrefix(ctx, "schedules/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("scan returned %d keys, want 2: %v", len(got), got)
	}

	// A prefix containing an underscore matches literally.
	got, err = kv.ScanPrefix(ctx, "sched_")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("underscore prefix matched %d keys, want 1", len(got))
	}
}

func TestSQLiteKV_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	kv, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Put(ctx, "durable", []byte("yes")); err != nil {
		t.Fatal(err)
	}
	if err := kv.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "durable")
	if err != nil || string(got) != "yes" {
		t.Errorf("get after reopen = %q, %v", got, err)
	}
}
