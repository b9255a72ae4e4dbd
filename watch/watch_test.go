package watch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for watch event")
		return Event{}
	}
}

func TestWatcher_FileChange(t *testing.T) {
	root := t.TempDir()
	w, err := New(DirResolver(root), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	events := make(chan Event, 16)
	unsub, err := w.Subscribe(Target{SessionID: "sess-1", ProjectID: "demo"}, func(ev Event) {
		events <- ev
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	path := filepath.Join(root, "demo", "sess-1.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, events)
	if ev.SessionID != "sess-1" {
		t.Fatalf("SessionID = %q, want sess-1", ev.SessionID)
	}
	if ev.Op != "create" && ev.Op != "write" {
		t.Fatalf("Op = %q, want create or write", ev.Op)
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	root := t.TempDir()
	w, err := New(DirResolver(root), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	events := make(chan Event, 16)
	unsub, err := w.Subscribe(Target{SessionID: "sess-1", ProjectID: "demo"}, func(ev Event) {
		events <- ev
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	other := filepath.Join(root, "demo", "sess-2.jsonl")
	if err := os.WriteFile(other, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event for sibling file: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_UnsubscribeStopsDelivery(t *testing.T) {
	root := t.TempDir()
	w, err := New(DirResolver(root), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	events := make(chan Event, 16)
	unsub, err := w.Subscribe(Target{SessionID: "sess-1", ProjectID: "demo"}, func(ev Event) {
		events <- ev
	})
	if err != nil {
		t.Fatal(err)
	}
	unsub()
	unsub() // Idempotent.

	path := filepath.Join(root, "demo", "sess-1.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		t.Fatalf("event delivered after unsubscribe: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_SubscribeAfterClose(t *testing.T) {
	w, err := New(DirResolver(t.TempDir()), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Subscribe(Target{SessionID: "x"}, func(Event) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
