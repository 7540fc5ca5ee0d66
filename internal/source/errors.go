package source

import "errors"

var (
	ErrSource = errors.New("source import failed")
	ErrFetch  = errors.New("source fetch failed")
)
