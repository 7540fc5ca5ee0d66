// Persists per-builder facts between invocations.
//
// Each builder keeps one JSON state file inside its build workspace. The
// store guarantees atomic saves (write-to-temp-then-rename) and loads a
// missing or corrupt file as an empty map so interrupted runs degrade to
// redundant work instead of failure.
package state
