package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesCacheTag(t *testing.T) {
	dir := t.TempDir()
	buildRoot := filepath.Join(dir, "build")

	p, err := New(filepath.Join(dir, "sources"), buildRoot, filepath.Join(dir, "output"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(buildRoot, "CACHEDIR.TAG"))
	if err != nil {
		t.Fatalf("CACHEDIR.TAG not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "Signature: 8a477f597d28d172789f06886806bc55") {
		t.Fatalf("CACHEDIR.TAG has wrong signature: %q", data)
	}

	if p.Build != p.BuildRoot {
		t.Fatalf("unspecialized Build = %q, want %q", p.Build, p.BuildRoot)
	}
	if p.Output != p.OutputRoot {
		t.Fatalf("unspecialized Output = %q, want %q", p.Output, p.OutputRoot)
	}
}

func TestNewPreservesExistingRoot(t *testing.T) {
	dir := t.TempDir()
	buildRoot := filepath.Join(dir, "build")
	if err := os.MkdirAll(buildRoot, DefaultDirMode); err != nil {
		t.Fatal(err)
	}

	if _, err := New(filepath.Join(dir, "sources"), buildRoot, filepath.Join(dir, "output")); err != nil {
		t.Fatalf("New: %v", err)
	}

	// The tag is only written when the root is first created.
	if _, err := os.Stat(filepath.Join(buildRoot, "CACHEDIR.TAG")); !os.IsNotExist(err) {
		t.Fatal("CACHEDIR.TAG written into a pre-existing build root")
	}
}

func TestRespecialize(t *testing.T) {
	dir := t.TempDir()
	p, err := New(filepath.Join(dir, "sources"), filepath.Join(dir, "build"), filepath.Join(dir, "output"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	kp, err := p.Respecialize("kernel")
	if err != nil {
		t.Fatalf("Respecialize: %v", err)
	}
	if kp.Build != filepath.Join(p.BuildRoot, "kernel") {
		t.Fatalf("Build = %q, want under build root", kp.Build)
	}
	if kp.Output != filepath.Join(p.OutputRoot, "kernel") {
		t.Fatalf("Output = %q, want under output root", kp.Output)
	}

	for _, d := range []string{kp.Build, kp.Output} {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			t.Fatalf("%s not created as a directory: %v", d, err)
		}
	}

	// Respecializing a specialized path rebases on the shared roots.
	up, err := kp.Respecialize("uboot")
	if err != nil {
		t.Fatalf("Respecialize: %v", err)
	}
	if up.Build != filepath.Join(p.BuildRoot, "uboot") {
		t.Fatalf("rebased Build = %q, want under build root", up.Build)
	}
}
