package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Indicates a problem loading or validating the project configuration.
var ErrConfig = errors.New("configuration error")

// Supported device series. The series decides which boot firmware
// builders apply to a project.
const (
	SeriesZynq   = "zynq"
	SeriesZynqMP = "zynqmp"
)

// Project configuration loaded from a YAML file.
//
// Relative directory paths resolve against the working directory; a
// relative working directory resolves against the directory holding the
// configuration file itself.
type Config struct {
	WorkingDirectory string `yaml:"working_directory"`
	SourcesDirectory string `yaml:"sources_directory"`
	BuildDirectory   string `yaml:"build_directory"`
	OutputDirectory  string `yaml:"output_directory"`

	Series string `yaml:"series"`

	Builders map[string]Section `yaml:"builders"`
}

// The configuration block of one builder. The engine only interprets
// the disabled flag here; the rest of the block is kept raw so each
// builder can decode its own options.
type Section struct {
	Disabled bool

	raw *yaml.Node
}

func (s *Section) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Disabled bool `yaml:"disabled"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	s.Disabled = head.Disabled
	s.raw = node
	return nil
}

// Decodes the builder's configuration block into out. A zero Section
// (builder not mentioned in the file) decodes nothing and leaves out at
// its defaults.
func (s Section) Decode(out any) error {
	if s.raw == nil {
		return nil
	}
	if err := s.raw.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// Reads and validates the configuration at path, resolving all
// directory paths to absolute ones.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg := &Config{
		SourcesDirectory: "sources",
		BuildDirectory:   "build",
		OutputDirectory:  "output",
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}

	switch cfg.Series {
	case SeriesZynq, SeriesZynqMP:
	case "":
		return nil, fmt.Errorf("%w: %s: series is required", ErrConfig, path)
	default:
		return nil, fmt.Errorf("%w: %s: unknown series %q", ErrConfig, path, cfg.Series)
	}

	configDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.WorkingDirectory = join(configDir, cfg.WorkingDirectory)
	cfg.SourcesDirectory = join(cfg.WorkingDirectory, cfg.SourcesDirectory)
	cfg.BuildDirectory = join(cfg.WorkingDirectory, cfg.BuildDirectory)
	cfg.OutputDirectory = join(cfg.WorkingDirectory, cfg.OutputDirectory)
	return cfg, nil
}

// Returns the configuration block for the named builder, which is the
// zero Section when the file does not mention it.
func (c *Config) Builder(name string) Section {
	return c.Builders[name]
}

func join(base, p string) string {
	if p == "" {
		return base
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}
