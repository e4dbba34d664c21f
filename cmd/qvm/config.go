package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

// Config is the qvm tool configuration. It is read from a TOML file and
// then overridden by explicit flags.
type Config struct {
	DataDir    string      `toml:"data_dir"`
	Strategy   string      `toml:"strategy"`
	StackSize  int32       `toml:"stack_size"`
	CheckData  bool        `toml:"check_data"`
	InlineSqrt bool        `toml:"inline_sqrt"`
	Fallback   bool        `toml:"fallback"`
	Verbose    bool        `toml:"verbose"`
	Serve      ServeConfig `toml:"serve"`
}

// ServeConfig configures the runner service.
type ServeConfig struct {
	Addr           string `toml:"addr"`
	MaxConcurrent  int    `toml:"max_concurrent"`
	MaxOutputLines int    `toml:"max_output_lines"`

	// Dashboard is the status HTTP address; empty disables it.
	Dashboard string `toml:"dashboard"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:   filepath.Join(home, ".qvm"),
		Strategy:  qvm.Compiled.String(),
		StackSize: bytecode.DefaultStackSize,
		CheckData: true,
		Fallback:  true,
		Serve: ServeConfig{
			Addr:           "127.0.0.1:7420",
			MaxConcurrent:  8,
			MaxOutputLines: 256,
		},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
	}
	return cfg, nil
}

// VMOptions converts the configuration to VM options.
func (c Config) VMOptions() (qvm.Options, error) {
	strategy, err := qvm.ParseStrategy(c.Strategy)
	if err != nil {
		return qvm.Options{}, err
	}
	return qvm.Options{
		Strategy:   strategy,
		Fallback:   c.Fallback,
		StackSize:  c.StackSize,
		CheckData:  c.CheckData,
		InlineSqrt: c.InlineSqrt,
	}, nil
}

// vmFlags holds the flags shared by commands that run code.
type vmFlags struct {
	config     string
	dataDir    string
	strategy   string
	stackSize  int
	checkData  bool
	inlineSqrt bool
	fallback   bool
	verbose    bool
}

func (f *vmFlags) register(fs *flag.FlagSet) {
	def := DefaultConfig()
	fs.StringVar(&f.config, "config", "", "TOML configuration file")
	fs.StringVar(&f.dataDir, "data-dir", def.DataDir, "Directory for the image and snapshot stores")
	fs.StringVar(&f.strategy, "strategy", def.Strategy, "Execution strategy: interpreted, compiled")
	fs.IntVar(&f.stackSize, "stack", int(def.StackSize), "Program stack size in bytes")
	fs.BoolVar(&f.checkData, "check-data", def.CheckData, "Range-check compiled data accesses")
	fs.BoolVar(&f.inlineSqrt, "inline-sqrt", def.InlineSqrt, "Compile sqrt syscalls inline")
	fs.BoolVar(&f.fallback, "fallback", def.Fallback, "Interpret when compiled execution is unavailable")
	fs.BoolVar(&f.verbose, "v", def.Verbose, "Log loader and engine messages")
}

// resolve loads the config file and applies the flags that were set
// explicitly.
func (f *vmFlags) resolve(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadConfig(f.config)
	if err != nil {
		return cfg, err
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "data-dir":
			cfg.DataDir = f.dataDir
		case "strategy":
			cfg.Strategy = f.strategy
		case "stack":
			cfg.StackSize = int32(f.stackSize)
		case "check-data":
			cfg.CheckData = f.checkData
		case "inline-sqrt":
			cfg.InlineSqrt = f.inlineSqrt
		case "fallback":
			cfg.Fallback = f.fallback
		case "v":
			cfg.Verbose = f.verbose
		}
	})
	return cfg, nil
}

func (c Config) imagePath() string {
	return filepath.Join(c.DataDir, "images.db")
}

func (c Config) snapshotPath() string {
	return filepath.Join(c.DataDir, "snapshots")
}
