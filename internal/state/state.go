package state

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/embersoc/ember/internal/paths"
)

// A durable string-keyed map scoped to one builder's build workspace.
//
// Builders use this to remember coarse-grained facts across invocations,
// such as "source tree already extracted" or "this exact config hash was
// already consumed". The on-disk format is a single JSON object of
// primitive values; it is not versioned and is not a public contract.
type File struct {
	path string
	m    map[string]any
}

// Opens the state file at path, loading it from disk.
//
// A missing or unreadable file is treated as an empty map, not an error:
// the worst case of lost state is redundant work, never a wrong build.
func Open(path string) *File {
	f := &File{path: path, m: make(map[string]any)}

	data, err := os.ReadFile(path)
	if err != nil {
		return f
	}
	if err := json.Unmarshal(data, &f.m); err != nil {
		f.m = make(map[string]any)
	}
	return f
}

// Runs fn inside a read-modify-write transaction over the state map.
//
// The state is saved when fn returns, on every exit path including panic,
// so partial mutations are never silently dropped. The save is atomic:
// the map is written to a temporary file and renamed over the original,
// so a crash never leaves a readable partial write.
func (f *File) Update(fn func(m map[string]any)) (err error) {
	defer func() {
		if serr := f.save(); serr != nil && err == nil {
			err = serr
		}
	}()
	fn(f.m)
	return nil
}

// Returns the string value for key, or "" if absent or not a string.
func (f *File) String(key string) string {
	s, _ := f.m[key].(string)
	return s
}

// Returns the boolean value for key, or false if absent or not a bool.
func (f *File) Bool(key string) bool {
	b, _ := f.m[key].(bool)
	return b
}

// Writes the state map to a temporary sibling file and renames it over the
// original path.
func (f *File) save() error {
	data, err := json.Marshal(f.m)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := f.path + "~"
	if err := os.WriteFile(tmp, data, paths.DefaultFileMode); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}
