package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/v2/pkg/archive"
	"github.com/containerd/containerd/v2/pkg/archive/compression"

	"github.com/embersoc/ember/internal/paths"
)

// Extracts a source archive into the target directory.
//
// Relative paths resolve against the build workspace. The target is cleared
// first. Compression (gzip, zstd) is detected from the stream. When the
// archive unpacks to a single lone subdirectory, the contents are reparented
// so the target itself is the tree root, matching how release tarballs wrap
// their content in a versioned directory.
func (im *Importer) Untar(ctx context.Context, src, target string) error {
	if !filepath.IsAbs(src) {
		src = filepath.Join(im.Build, src)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(im.Build, target)
	}

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("%w: clean %s before extraction: %v", ErrSource, target, err)
	}
	if err := os.MkdirAll(target, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrSource, target, err)
	}

	if err := extract(ctx, src, target); err != nil {
		return fmt.Errorf("%w: unable to extract source archive %s: %v", ErrSource, src, err)
	}

	return reparent(im.logger(), target)
}

// Applies a possibly-compressed tar stream to dir.
func extract(ctx context.Context, src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	rc, err := compression.DecompressStream(f)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = archive.Apply(ctx, dir, rc)
	return err
}

// Hoists lone subdirectories until the target directly contains the tree.
func reparent(log *slog.Logger, target string) error {
	for {
		entries, err := os.ReadDir(target)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSource, err)
		}
		if len(entries) != 1 || !entries[0].IsDir() {
			return nil
		}

		log.Debug("found lone subdirectory, reparenting", "name", entries[0].Name())
		tmp := target + "~"
		if err := os.RemoveAll(tmp); err != nil {
			return fmt.Errorf("%w: reparent: %v", ErrSource, err)
		}
		if err := os.Rename(filepath.Join(target, entries[0].Name()), tmp); err != nil {
			return fmt.Errorf("%w: reparent: %v", ErrSource, err)
		}
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("%w: reparent: %v", ErrSource, err)
		}
		if err := os.Rename(tmp, target); err != nil {
			return fmt.Errorf("%w: reparent: %v", ErrSource, err)
		}
	}
}
