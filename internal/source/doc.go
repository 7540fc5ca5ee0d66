// Tracks freshness of external inputs and imports them into build
// workspaces.
//
// A source reference is a local path (relative to the user sources
// directory), an http(s)/ftp URL (downloaded once and cached by URL
// digest), or a builtin:// identifier naming a bundled resource. An import
// only rewrites the target when the source actually changed, falling back
// to content digests so unchanged inputs never pick up fresh timestamps
// and defeat downstream incremental builds.
package source
