package source

import (
	"embed"
	"fmt"
	"strings"
)

// Resources bundled into the program and addressable via builtin:// source
// references, e.g. "builtin:///uboot/config_user.patch".
//
//go:embed builtin
var builtinFS embed.FS

// Reads a bundled resource by its builtin:// path.
func builtinResource(path string) ([]byte, error) {
	name := "builtin/" + strings.TrimPrefix(path, "/")
	data, err := builtinFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("%w: no builtin resource %s", ErrSource, path)
	}
	return data, nil
}
