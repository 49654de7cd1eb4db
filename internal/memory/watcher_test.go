package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestWatcherNotifiesOnExternalEdit(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	if _, err := NewStore(dir); err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	changes := make(chan string, 8)
	w, err := NewWatcher(dir, func(file string) {
		changes <- file
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, FileGoals), []byte("# edited externally\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case file := <-changes:
		if file != FileGoals {
			t.Errorf("changed file = %s, want %s", file, FileGoals)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification within 3s")
	}
}

func TestWatcherIgnoresForeignFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	changes := make(chan string, 8)
	w, err := NewWatcher(dir, func(file string) {
		changes <- file
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case file := <-changes:
		t.Errorf("unexpected notification for %s", file)
	case <-time.After(1 * time.Second):
	}
}
