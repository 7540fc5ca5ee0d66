// Runs external build tools to completion.
//
// Combined output is captured, teed to the logger, and persisted to a log
// file for postmortem inspection. Callers distinguish "ran and failed"
// (non-zero exit code, no error) from "could not run" (ErrExec).
package execute
