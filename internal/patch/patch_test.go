package patch

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/embersoc/ember/internal/source"
)

const helloPatch = `--- a/hello.txt
+++ b/hello.txt
@@ -1 +1 @@
-hello
+goodbye
`

const otherPatch = `--- a/other.txt
+++ b/other.txt
@@ -1 +1 @@
-old
+new
`

type fixture struct {
	im       *source.Importer
	cacheDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	im := &source.Importer{
		Sources: filepath.Join(dir, "sources"),
		Build:   filepath.Join(dir, "build"),
		Log:     slog.New(slog.DiscardHandler),
	}
	for _, d := range []string{im.Sources, im.Build} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{im: im, cacheDir: filepath.Join(im.Build, "patches")}
}

func (f *fixture) patcher(t *testing.T) *Patcher {
	t.Helper()
	p, err := New(f.cacheDir, f.im, slog.New(slog.DiscardHandler), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func (f *fixture) writePatch(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.im.Sources, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) cached(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestImportOrdersAndCaches(t *testing.T) {
	f := newFixture(t)
	f.writePatch(t, "a.patch", helloPatch)
	f.writePatch(t, "b.patch", otherPatch)

	changed, err := f.patcher(t).Import(context.Background(), []string{"a.patch", "b.patch"})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !changed {
		t.Fatal("fresh import reported no change")
	}

	got := f.cached(t)
	want := []string{"0000_a.patch", "0001_b.patch"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("cached = %v, want %v", got, want)
	}
}

func TestImportUnchangedReportsNoChange(t *testing.T) {
	f := newFixture(t)
	f.writePatch(t, "a.patch", helloPatch)
	f.writePatch(t, "b.patch", otherPatch)
	refs := []string{"a.patch", "b.patch"}
	ctx := context.Background()

	if _, err := f.patcher(t).Import(ctx, refs); err != nil {
		t.Fatal(err)
	}

	// A second run (fresh patcher, same refs) sees the cache as current.
	changed, err := f.patcher(t).Import(ctx, refs)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("unchanged patch set reported a change")
	}

	got := f.cached(t)
	if len(got) != 2 || got[0] != "0000_a.patch" || got[1] != "0001_b.patch" {
		t.Fatalf("cached = %v, ordering not preserved", got)
	}
}

func TestImportRemovesStalePatches(t *testing.T) {
	f := newFixture(t)
	f.writePatch(t, "a.patch", helloPatch)
	f.writePatch(t, "b.patch", otherPatch)
	ctx := context.Background()

	if _, err := f.patcher(t).Import(ctx, []string{"a.patch", "b.patch"}); err != nil {
		t.Fatal(err)
	}

	changed, err := f.patcher(t).Import(ctx, []string{"b.patch"})
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("shrunk patch set reported no change")
	}

	got := f.cached(t)
	if len(got) != 1 || got[0] != "0000_b.patch" {
		t.Fatalf("cached = %v, want only 0000_b.patch", got)
	}
}

func TestImportRejectsMalformedPatch(t *testing.T) {
	f := newFixture(t)
	f.writePatch(t, "junk.patch", "this is not a diff\n")

	_, err := f.patcher(t).Import(context.Background(), []string{"junk.patch"})
	if err == nil {
		t.Fatal("malformed patch accepted at import")
	}
}

func TestApply(t *testing.T) {
	if _, err := exec.LookPath("patch"); err != nil {
		t.Skip("patch(1) not available")
	}

	f := newFixture(t)
	f.writePatch(t, "a.patch", helloPatch)
	ctx := context.Background()

	tree := filepath.Join(f.im.Build, "tree")
	if err := os.MkdirAll(tree, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tree, "hello.txt"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p := f.patcher(t)
	if _, err := p.Import(ctx, []string{"a.patch"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Apply(ctx, tree); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tree, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "goodbye\n" {
		t.Fatalf("hello.txt = %q, want patched content", data)
	}
}

func TestApplyFailureNamesPatch(t *testing.T) {
	if _, err := exec.LookPath("patch"); err != nil {
		t.Skip("patch(1) not available")
	}

	f := newFixture(t)
	f.writePatch(t, "a.patch", helloPatch)
	ctx := context.Background()

	// Tree content does not match the patch context.
	tree := filepath.Join(f.im.Build, "tree")
	if err := os.MkdirAll(tree, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tree, "hello.txt"), []byte("unrelated\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p := f.patcher(t)
	if _, err := p.Import(ctx, []string{"a.patch"}); err != nil {
		t.Fatal(err)
	}

	err := p.Apply(ctx, tree)
	if err == nil {
		t.Fatal("failing patch did not fail Apply")
	}
	if !strings.Contains(err.Error(), "a.patch") {
		t.Fatalf("error %q does not name the offending patch", err)
	}
}
