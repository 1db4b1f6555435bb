// Package config handles cldc.toml tuning of the heap, the compiler and the
// code cache.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/emtee40/phoneJ2ME-cldc/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "cldc.toml"

// DefaultCachePath is the code cache database, relative to Dir.
const DefaultCachePath = ".cldc/codecache.db"

// Config represents a cldc.toml file.
type Config struct {
	Heap     Heap     `toml:"heap"`
	Compiler Compiler `toml:"compiler"`
	GC       GC       `toml:"gc"`
	Cache    Cache    `toml:"cache"`
	Log      Log      `toml:"log"`

	// Dir is the directory containing the cldc.toml file (set at load time).
	Dir string `toml:"-"`
}

// Heap sizes the object heap.
type Heap struct {
	Size         int `toml:"size"`
	CompilerArea int `toml:"compiler-area"`
}

// Compiler tunes compiled-method growth and the JIT queue.
type Compiler struct {
	InitialCapacity        int  `toml:"initial-capacity"`
	MaxCodeSize            int  `toml:"max-code-size"`
	CodeExpansionDelta     int  `toml:"code-expansion-delta"`
	CallInfoExpansionDelta int  `toml:"callinfo-expansion-delta"`
	PadOnExhaustion        bool `toml:"pad-on-exhaustion"`
	QueueSize              int  `toml:"queue-size"`
}

// GC configures background collection.
type GC struct {
	Interval time.Duration `toml:"interval"`
}

// Cache configures the persistent code cache.
type Cache struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no cldc.toml exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	d := vm.DefaultOptions()
	if c.Heap.Size == 0 {
		c.Heap.Size = d.HeapSize
	}
	if c.Heap.CompilerArea == 0 {
		c.Heap.CompilerArea = d.CompilerAreaSize
	}
	if c.Compiler.InitialCapacity == 0 {
		c.Compiler.InitialCapacity = d.InitialCapacity
	}
	if c.Compiler.MaxCodeSize == 0 {
		c.Compiler.MaxCodeSize = d.MaxCodeSize
	}
	if c.Compiler.CodeExpansionDelta == 0 {
		c.Compiler.CodeExpansionDelta = d.CodeExpansionDelta
	}
	if c.Compiler.CallInfoExpansionDelta == 0 {
		c.Compiler.CallInfoExpansionDelta = d.CallInfoExpansionDelta
	}
	if c.Compiler.QueueSize == 0 {
		c.Compiler.QueueSize = d.QueueSize
	}
	if c.GC.Interval == 0 {
		c.GC.Interval = vm.DefaultCollectInterval
	}
	if c.Cache.Path == "" {
		c.Cache.Path = DefaultCachePath
	}
}

// Load parses the cldc.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	c.applyDefaults()
	if err := c.Options().Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a cldc.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Options converts the configuration to heap and compiler tuning.
func (c *Config) Options() vm.Options {
	return vm.Options{
		HeapSize:               c.Heap.Size,
		CompilerAreaSize:       c.Heap.CompilerArea,
		InitialCapacity:        c.Compiler.InitialCapacity,
		MaxCodeSize:            c.Compiler.MaxCodeSize,
		CodeExpansionDelta:     c.Compiler.CodeExpansionDelta,
		CallInfoExpansionDelta: c.Compiler.CallInfoExpansionDelta,
		PadOnExhaustion:        c.Compiler.PadOnExhaustion,
		QueueSize:              c.Compiler.QueueSize,
	}
}

// CachePath returns the code cache database path, resolved against Dir.
func (c *Config) CachePath() string {
	if filepath.IsAbs(c.Cache.Path) || c.Dir == "" {
		return c.Cache.Path
	}
	return filepath.Join(c.Dir, c.Cache.Path)
}
