package source

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
)

// Builds a gzipped tarball at path with the given name->content entries.
func writeTarball(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestUntarReparentsLoneSubdirectory(t *testing.T) {
	im := newImporter(t)
	writeTarball(t, filepath.Join(im.Build, "linux.tar.gz"), map[string]string{
		"linux-6.6.0/Makefile":    "all:\n",
		"linux-6.6.0/README":      "kernel\n",
		"linux-6.6.0/arch/dummy":  "x\n",
		"linux-6.6.0/arch/dummy2": "y\n",
	})

	if err := im.Untar(context.Background(), "linux.tar.gz", "linux"); err != nil {
		t.Fatalf("Untar: %v", err)
	}

	// The versioned wrapper directory is gone; the tree root is target.
	if _, err := os.Stat(filepath.Join(im.Build, "linux", "Makefile")); err != nil {
		t.Fatalf("Makefile not at tree root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(im.Build, "linux", "linux-6.6.0")); !os.IsNotExist(err) {
		t.Fatal("wrapper directory still present")
	}
}

func TestUntarClearsTarget(t *testing.T) {
	im := newImporter(t)
	writeTarball(t, filepath.Join(im.Build, "src.tar.gz"), map[string]string{
		"a.txt": "a\n",
		"b.txt": "b\n",
	})

	stale := filepath.Join(im.Build, "tree", "stale.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := im.Untar(context.Background(), "src.tar.gz", "tree"); err != nil {
		t.Fatalf("Untar: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale file survived extraction")
	}
	if _, err := os.Stat(filepath.Join(im.Build, "tree", "a.txt")); err != nil {
		t.Fatalf("a.txt not extracted: %v", err)
	}
}

func TestUntarMissingArchive(t *testing.T) {
	im := newImporter(t)
	if err := im.Untar(context.Background(), "absent.tar.gz", "tree"); err == nil {
		t.Fatal("missing archive did not fail")
	}
}
