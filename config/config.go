// Package config handles mint.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/mint/vm"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "mint.toml"

// Blocks must hold the largest method body the transformer emits.
const minBlockSize = 4096

// Config represents a mint.toml file.
type Config struct {
	Runtime Runtime `toml:"runtime"`
	Trace   Trace   `toml:"trace"`
	Log     Log     `toml:"log"`
	Arena   Arena   `toml:"arena"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// Runtime holds interpreter limits.
type Runtime struct {
	InitialStackSlots int `toml:"initial-stack-slots"`
	MaxStackSlots     int `toml:"max-stack-slots"`
	MaxFrameDepth     int `toml:"max-frame-depth"`
}

// Trace configures execution tracing.
type Trace struct {
	Enabled bool `toml:"enabled"`
	Steps   bool `toml:"steps"`
}

// Log configures the commonlog backend.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Arena configures the shared block pool.
type Arena struct {
	BlockSize int `toml:"block-size"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	d := vm.DefaultConfig()
	return &Config{
		Runtime: Runtime{
			InitialStackSlots: d.InitialStackSlots,
			MaxStackSlots:     d.MaxStackSlots,
			MaxFrameDepth:     d.MaxFrameDepth,
		},
		Arena: Arena{BlockSize: d.ArenaBlockSize},
	}
}

// Load parses the configuration file at path. Settings it omits keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes configuration text over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir looking for mint.toml. It returns the
// defaults when no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", startDir, err)
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks that the limits are usable.
func (c *Config) Validate() error {
	r := c.Runtime
	switch {
	case r.InitialStackSlots <= 0:
		return fmt.Errorf("runtime.initial-stack-slots must be positive, got %d", r.InitialStackSlots)
	case r.MaxStackSlots < r.InitialStackSlots:
		return fmt.Errorf("runtime.max-stack-slots (%d) is below initial-stack-slots (%d)", r.MaxStackSlots, r.InitialStackSlots)
	case r.MaxFrameDepth <= 0:
		return fmt.Errorf("runtime.max-frame-depth must be positive, got %d", r.MaxFrameDepth)
	case c.Arena.BlockSize < minBlockSize:
		return fmt.Errorf("arena.block-size must be at least %d, got %d", minBlockSize, c.Arena.BlockSize)
	}
	return nil
}

// Options returns the runtime options for c. When tracing is enabled a log
// tracer joins the given tracers.
func (c *Config) Options(tracers ...vm.Tracer) []vm.Option {
	opts := []vm.Option{
		vm.WithInitialStackSlots(c.Runtime.InitialStackSlots),
		vm.WithMaxStackSlots(c.Runtime.MaxStackSlots),
		vm.WithMaxFrameDepth(c.Runtime.MaxFrameDepth),
		vm.WithArenaBlockSize(c.Arena.BlockSize),
	}
	if c.Trace.Enabled {
		tracers = append(tracers, vm.NewLogTracer(c.Trace.Steps))
	}
	switch len(tracers) {
	case 0:
	case 1:
		opts = append(opts, vm.WithTracer(tracers[0]))
	default:
		opts = append(opts, vm.WithTracer(vm.MultiTracer(tracers)))
	}
	return opts
}

// ConfigureLogging applies the [log] section to the commonlog backend.
// A verbosity given on the command line overrides the file.
func (c *Config) ConfigureLogging(verbosity int) {
	if verbosity == 0 {
		verbosity = c.Log.Verbosity
	}
	var path *string
	if c.Log.File != "" {
		path = &c.Log.File
	}
	commonlog.Configure(verbosity, path)
}
