//go:build linux

package source

import (
	"os"
	"syscall"
	"time"
)

// Extracts status-change times from two stat results.
func changeTimes(src, target os.FileInfo) (time.Time, time.Time, bool) {
	s, ok := src.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	t, ok := target.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return time.Unix(s.Ctim.Sec, s.Ctim.Nsec), time.Unix(t.Ctim.Sec, t.Ctim.Nsec), true
}
