package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/embersoc/ember/internal/execute"
)

// Fetches a remote source into the download cache.
//
// The payload is streamed to a temporary sibling of the cache file and
// renamed into place only on success, so an interrupted transfer never
// poisons the cache for the next attempt.
func (im *Importer) fetch(ctx context.Context, u *url.URL, src, cache string) error {
	tmp := cache + "~"

	var err error
	if u.Scheme == "ftp" {
		err = im.fetchFTP(ctx, src, tmp)
	} else {
		err = im.fetchHTTP(ctx, src, tmp)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: unable to download source file %s: %v", ErrFetch, src, err)
	}

	if err := os.Rename(tmp, cache); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %v", ErrFetch, src, err)
	}
	return nil
}

// Downloads an http(s) source to the given path.
func (im *Importer) fetchHTTP(ctx context.Context, src, dst string) error {
	client := im.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Downloads an ftp source to the given path by delegating to wget, which
// handles the protocol details net/http does not speak.
func (im *Importer) fetchFTP(ctx context.Context, src, dst string) error {
	res, err := execute.Run(ctx, execute.Cmd{
		Args: []string{"wget", "-O", dst, src},
		Log:  im.logger(),
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("wget exited with status %d", res.ExitCode)
	}
	return nil
}
