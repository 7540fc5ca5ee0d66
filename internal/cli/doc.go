// Parses flags and configures logging for the ember build tool.
//
// The tool accepts the following flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-c, --config    Configuration file path.
//
// Flags override build-time defaults set via linker flags. After parsing,
// the global logger is reconfigured to reflect the final level and
// verbosity before any stage runs.
package cli
