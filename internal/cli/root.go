package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/alecthomas/kong"
	"github.com/embersoc/ember/internal"
	"github.com/embersoc/ember/internal/builders"
)

// Represents the root command for the ember build tool. The embedded
// plugin list carries the builders' own flag structs; it is populated
// before parsing.
var RootCmd struct {
	kong.Plugins

	Quiet   bool   `short:"q" help:"Suppress informational output."`
	Verbose bool   `short:"v" help:"Enable verbose output."`
	Debug   bool   `short:"d" help:"Enable debug output."`
	Config  string `short:"c" help:"Override the default configuration file path." placeholder:"PATH"`

	Build   BuildCmd   `cmd:"" default:"withargs" help:"Run build stages."`
	Stages  StagesCmd  `cmd:"" help:"List every builder and its stages."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Every builder known to the tool. Constructed before flag parsing so
// builders can contribute their own flags; configured by the commands
// that need them.
var allBuilders = builders.All()

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, b := range allBuilders {
		if f, ok := b.(builders.FlagSource); ok {
			RootCmd.Plugins = append(RootCmd.Plugins, f.Flags())
		}
	}

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds embedded firmware and OS images.\n\nRuns the selected build stages across every enabled builder."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
//
// The effective modes are recorded back into the process-wide mode
// flags so code outside the CLI sees the same settings.
func configureLogger() {
	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()
	verbose := RootCmd.Verbose || internal.IsVerbose()

	internal.SetDebug(debug)
	internal.SetQuiet(quiet)
	internal.SetVerbose(verbose)

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	})
	slog.SetDefault(slog.New(handler))
}

// Returns the configuration file path to load.
//
// The -c flag wins; otherwise ./ember.yaml is used when present, falling
// back to the XDG config search path.
func configPath() string {
	if RootCmd.Config != "" {
		return RootCmd.Config
	}
	local := "ember.yaml"
	if _, err := os.Stat(local); err == nil {
		return local
	}
	if found, err := xdg.SearchConfigFile(filepath.Join(internal.Name, "ember.yaml")); err == nil {
		return found
	}
	return local
}
