package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/embersoc/ember/internal/paths"
)

// Imports external inputs into a builder's build workspace.
//
// Sources is the shared user sources directory; relative source references
// resolve against it. Build is the builder's workspace; relative targets and
// the download cache live there.
type Importer struct {
	Sources string       // User sources directory.
	Build   string       // Builder build workspace.
	Log     *slog.Logger // Logger for import progress.
	Client  *http.Client // HTTP client for remote sources. Nil means http.DefaultClient.
}

// Controls a single import.
type Options struct {
	// Skip the timestamp/size comparison and go straight to content
	// digests. Used for inputs the builder itself rewrites, where
	// timestamps are meaningless.
	IgnoreTimestamps bool

	// Treat a missing source as "absent" instead of fatal: any stale
	// target is deleted and the return value reports whether one existed.
	Optional bool

	// Demote progress messages to debug level.
	Quiet bool
}

// Determines whether the source has changed relative to the target and, if
// so, imports it. Reports whether an import (or, for optional sources, a
// removal) occurred.
//
// Source references may be local paths (relative ones resolve against the
// user sources directory), http(s)/ftp URLs (fetched once and cached in the
// build workspace keyed by a digest of the URL), or builtin:// identifiers
// naming bundled resources. Relative targets resolve against the build
// workspace.
//
// Detection short-circuits at the first positive: missing target, then
// timestamp/size comparison (unless disabled), then content digests. The
// digest fallback exists so an unchanged source never bumps the target's
// timestamp and triggers needless downstream rebuilds.
func (im *Importer) Import(ctx context.Context, src, target string, opts Options) (bool, error) {
	log := im.logger()

	if !filepath.IsAbs(target) {
		target = filepath.Join(im.Build, target)
	}

	resolved, err := im.resolve(ctx, src, opts)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(resolved); err != nil {
		if !opts.Optional {
			return false, fmt.Errorf("%w: unable to locate source file %s", ErrSource, src)
		}
		im.say(opts, "importing optional source file as missing", "source", src)
		_, statErr := os.Stat(target)
		existed := statErr == nil
		os.Remove(target)
		return existed, nil
	}

	changed, err := changed(resolved, target, opts.IgnoreTimestamps)
	if err != nil {
		return false, err
	}
	if !changed {
		im.say(opts, "skipping unchanged source file", "source", src)
		return false, nil
	}

	im.say(opts, "importing source file", "source", src)
	if err := copyFile(resolved, target); err != nil {
		log.Error("import failed", "source", src, "error", err)
		return false, fmt.Errorf("%w: %s: %v", ErrSource, src, err)
	}
	return true, nil
}

// Resolves a source reference to a local file path, fetching and caching
// remote and builtin sources in the build workspace.
func (im *Importer) resolve(ctx context.Context, src string, opts Options) (string, error) {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" {
		if filepath.IsAbs(src) {
			return src, nil
		}
		return filepath.Join(im.Sources, src), nil
	}

	id := digest.FromString(src).Encoded()

	switch u.Scheme {
	case "http", "https", "ftp":
		cache := filepath.Join(im.Build, "downloaded-source-"+id+".dat")
		if _, err := os.Stat(cache); err == nil {
			im.say(opts, "already downloaded source file", "url", src)
			return cache, nil
		}
		im.say(opts, "downloading source file", "url", src)
		if err := im.fetch(ctx, u, src, cache); err != nil {
			return "", err
		}
		return cache, nil

	case "builtin":
		// Builtin resources are bundled with the program and never change,
		// so a cached copy is trusted without checks.
		cache := filepath.Join(im.Build, "builtin-resource-"+id+".dat")
		if _, err := os.Stat(cache); err == nil {
			return cache, nil
		}
		data, err := builtinResource(u.Path)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(cache, data, paths.DefaultFileMode); err != nil {
			return "", fmt.Errorf("%w: cache builtin resource: %v", ErrSource, err)
		}
		return cache, nil

	default:
		if filepath.IsAbs(src) {
			return src, nil
		}
		return filepath.Join(im.Sources, src), nil
	}
}

// Reports whether the source differs from the target.
//
// Order: target missing, then timestamp/size, then content digest. Stat
// errors count as changed so a broken target is always re-imported.
func changed(src, target string, ignoreTimestamps bool) (bool, error) {
	tInfo, err := os.Stat(target)
	if err != nil {
		return true, nil
	}

	if !ignoreTimestamps {
		sInfo, err := os.Stat(src)
		if err != nil {
			return true, nil
		}
		if tInfo.Size() != sInfo.Size() {
			return true, nil
		}
		if tInfo.ModTime().Before(sInfo.ModTime()) {
			return true, nil
		}
		if sc, tc, ok := changeTimes(sInfo, tInfo); ok && tc.Before(sc) {
			return true, nil
		}
	}

	srcDigest, err := digestFile(src)
	if err != nil {
		return true, nil
	}
	targetDigest, err := digestFile(target)
	if err != nil {
		return true, nil
	}
	return srcDigest != targetDigest, nil
}

// Computes the canonical content digest of a file.
func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}

// Copies source bytes to the target, carrying over an executable permission
// bit when the source has one.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, paths.DefaultFileMode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if info.Mode().Perm()&0111 != 0 {
		dstInfo, err := os.Stat(dst)
		if err != nil {
			return err
		}
		// Derive the x bits from the readable bits we just granted.
		mode := dstInfo.Mode().Perm()
		mode |= (mode & 0444) >> 2
		if err := os.Chmod(dst, mode); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) logger() *slog.Logger {
	if im.Log != nil {
		return im.Log
	}
	return slog.Default()
}

// Logs import progress at info level, or debug when quiet.
func (im *Importer) say(opts Options, msg string, args ...any) {
	if opts.Quiet {
		im.logger().Debug(msg, args...)
		return
	}
	im.logger().Info(msg, args...)
}
