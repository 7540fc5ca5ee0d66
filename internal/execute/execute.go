package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/embersoc/ember/internal/paths"
)

var ErrExec = errors.New("could not run command")

// Describes one external tool invocation.
type Cmd struct {
	Args  []string     // Command and arguments. Must not be empty.
	Dir   string       // Working directory. Empty means the process default.
	Stdin io.Reader    // Standard input. Nil means no input accepted.
	Log   *slog.Logger // Logger for command detail and teed output lines.

	// Directory for the persisted output log. When set, combined output is
	// written to a uniquely named file there for postmortem inspection.
	LogDir string

	// Prefix for the persisted log file name, typically "builder:stage".
	LogName string
}

// Output of a completed command.
type Result struct {
	ExitCode int    // Exit code of the process.
	Output   []byte // Combined stdout and stderr.
	LogFile  string // Path of the persisted output log, if one was written.
}

// Runs the command to completion, capturing combined output.
//
// Output is teed line by line to the logger at debug level and, when LogDir
// is set, to a persisted log file. A non-zero exit code is not treated as
// an error; the caller decides. The returned error is reserved for "could
// not run" conditions (missing binary, bad working directory), wrapped in
// [ErrExec].
func Run(ctx context.Context, c Cmd) (*Result, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrExec)
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}

	log.Debug("running command", "args", c.Args, "dir", c.Dir)

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin

	var buf bytes.Buffer
	writers := []io.Writer{&buf}

	var logPath string
	if c.LogDir != "" {
		f, err := openLogFile(c.LogDir, c.LogName)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExec, err)
		}
		defer f.Close()
		logPath = f.Name()
		writers = append(writers, f)
	}

	lines := &lineWriter{log: log}
	writers = append(writers, lines)

	out := io.MultiWriter(writers...)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	lines.flush()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Debug("command finished", "log", logPath)
	case errors.As(err, &exitErr):
		log.Debug("command failed", "exit", exitErr.ExitCode(), "log", logPath)
	default:
		return nil, fmt.Errorf("%w: %v: %w", ErrExec, c.Args[0], err)
	}

	return &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   buf.Bytes(),
		LogFile:  logPath,
	}, nil
}

// Creates a uniquely named log file under dir.
//
// Selector separators in the name are replaced so the file name stays flat.
func openLogFile(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return nil, err
	}
	if name == "" {
		name = "command"
	}
	name = strings.ReplaceAll(name, ":", "_")
	return os.CreateTemp(dir, name+".*.txt")
}

// Tees process output to the logger one line at a time.
//
// Partial lines are carried between writes and flushed at command exit.
type lineWriter struct {
	log *slog.Logger
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; put it back and wait for more.
			w.buf.WriteString(line)
			break
		}
		w.log.Debug("| " + strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.log.Debug("| " + strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}
