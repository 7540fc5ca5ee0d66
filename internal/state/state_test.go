package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	f := Open(path)
	err := f.Update(func(m map[string]any) {
		m["tree_ready"] = true
		m["config_hash"] = "abc123"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// A fresh instance reads the persisted values.
	g := Open(path)
	if !g.Bool("tree_ready") {
		t.Fatal("tree_ready not persisted")
	}
	if got := g.String("config_hash"); got != "abc123" {
		t.Fatalf("config_hash = %q, want abc123", got)
	}
}

func TestMissingFileIsEmpty(t *testing.T) {
	f := Open(filepath.Join(t.TempDir(), "absent.json"))
	if f.Bool("anything") {
		t.Fatal("missing file produced a true value")
	}
	if f.String("anything") != "" {
		t.Fatal("missing file produced a string value")
	}
}

func TestCorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"truncated`), 0644); err != nil {
		t.Fatal(err)
	}

	f := Open(path)
	if f.Bool("anything") {
		t.Fatal("corrupt file produced a value")
	}

	// The store must still be writable afterwards.
	if err := f.Update(func(m map[string]any) { m["k"] = "v" }); err != nil {
		t.Fatalf("Update after corrupt load: %v", err)
	}
	if got := Open(path).String("k"); got != "v" {
		t.Fatalf("k = %q, want v", got)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	f := Open(path)
	if err := f.Update(func(m map[string]any) { m["k"] = "v" }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// No temporary file is left behind after a successful save.
	if _, err := os.Stat(path + "~"); !os.IsNotExist(err) {
		t.Fatal("temporary state file left behind")
	}
}

func TestSaveOnPanicExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f := Open(path)

	func() {
		defer func() { recover() }()
		f.Update(func(m map[string]any) {
			m["k"] = "v"
			panic("stage failure mid-transaction")
		})
	}()

	if got := Open(path).String("k"); got != "v" {
		t.Fatalf("k = %q after panic, want v", got)
	}
}
