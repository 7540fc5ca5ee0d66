package cli

import (
	"testing"

	"github.com/alecthomas/kong"
	"github.com/embersoc/ember/internal"
	"github.com/embersoc/ember/internal/builders"
)

func TestBuilderFlagsContributed(t *testing.T) {
	var grammar struct {
		kong.Plugins
	}
	for _, b := range builders.All() {
		if f, ok := b.(builders.FlagSource); ok {
			grammar.Plugins = append(grammar.Plugins, f.Flags())
		}
	}
	if len(grammar.Plugins) == 0 {
		t.Fatal("no builder contributed flags")
	}

	parser, err := kong.New(&grammar)
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	if _, err := parser.Parse([]string{"--kernel-jobs=4", "--rootfs-jobs=2"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := parser.Parse([]string{"--no-such-flag"}); err == nil {
		t.Fatal("unknown flag accepted")
	}
}

func TestConfigureLoggerRecordsModes(t *testing.T) {
	defer func() {
		RootCmd.Debug = false
		RootCmd.Quiet = false
		RootCmd.Verbose = false
		internal.SetDebug(false)
		internal.SetQuiet(false)
		internal.SetVerbose(false)
	}()

	RootCmd.Debug = true
	RootCmd.Verbose = true
	configureLogger()

	if !internal.IsDebug() {
		t.Fatal("debug flag not recorded")
	}
	if !internal.IsVerbose() {
		t.Fatal("verbose flag not recorded")
	}
	if internal.IsQuiet() {
		t.Fatal("quiet mode set without the flag")
	}
}
