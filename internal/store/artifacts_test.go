package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriteUniqueNamesUnderConcurrency(t *testing.T) {
	d := NewDir(t.TempDir())
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return fixed }

	const n = 50
	var wg sync.WaitGroup
	names := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := d.Write("action-items", ".txt", []byte("x"))
			if err != nil {
				t.Errorf("write: %v", err)
				return
			}
			names <- a.Name
		}()
	}
	wg.Wait()
	close(names)

	seen := map[string]bool{}
	for name := range names {
		if seen[name] {
			t.Fatalf("duplicate artifact name %s", name)
		}
		seen[name] = true
	}
	entries, err := os.ReadDir(d.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d files, got %d", n, len(entries))
	}
}

func TestWriteRetriesOnCollision(t *testing.T) {
	d := NewDir(t.TempDir())
	d.clock = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	tokens := []string{"same", "same", "other"}
	d.token = func() string {
		tok := tokens[0]
		tokens = tokens[1:]
		return tok
	}

	first, err := d.Write("feedback", ".json", []byte("1"))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	second, err := d.Write("feedback", ".json", []byte("2"))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if first.Name == second.Name {
		t.Fatal("collision was not resolved")
	}
	data, err := os.ReadFile(first.Path)
	if err != nil || string(data) != "1" {
		t.Fatalf("first artifact overwritten: %q %v", data, err)
	}
}

func TestWriteFailureIsPersistenceError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(root, []byte("file, not dir"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewDir(root).Write("summary", ".txt", []byte("x"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestWriteJSON(t *testing.T) {
	d := NewDir(t.TempDir())
	a, err := d.WriteJSON("feedback", map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("write json: %v", err)
	}
	if filepath.Ext(a.Name) != ".json" {
		t.Fatalf("unexpected name %s", a.Name)
	}
}
