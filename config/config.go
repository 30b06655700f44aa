// Package config loads runtime settings from TOML.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

type Config struct {
	Runtime RuntimeConfig `toml:"runtime"`
	GC      GCConfig      `toml:"gc"`
	Debug   DebugConfig   `toml:"debug"`
	Log     LogConfig     `toml:"log"`
}

type RuntimeConfig struct {
	// MaxCallDepth bounds nested invocations, native frames included.
	MaxCallDepth int `toml:"max_call_depth"`
	// CheckRegisters reports use of freed or never-allocated registers
	// instead of leaving it undefined.
	CheckRegisters bool `toml:"check_registers"`
}

type GCConfig struct {
	InitialThreshold int64 `toml:"initial_threshold"`
	GrowthPercent    int   `toml:"growth_percent"`
	MaxHeapBytes     int64 `toml:"max_heap_bytes"`
	MarkSlice        int   `toml:"mark_slice"`
	BarrierBuffer    int   `toml:"barrier_buffer"`
}

type DebugConfig struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Wait    bool   `toml:"wait"`
	// Enabled starts the debug server when the runtime is created.
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

const (
	DefaultMaxCallDepth = 1024
	DefaultDebugAddress = "0.0.0.0"
	DefaultDebugPort    = 9229
)

func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			MaxCallDepth: DefaultMaxCallDepth,
		},
		GC: GCConfig{
			InitialThreshold: 4 << 20,
			GrowthPercent:    100,
			MarkSlice:        256,
			BarrierBuffer:    1024,
		},
		Debug: DebugConfig{
			Address: DefaultDebugAddress,
			Port:    DefaultDebugPort,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Parse decodes r over the defaults, so a file only names what it changes.
func Parse(r io.Reader) (Config, error) {
	out := Default()
	md, err := toml.NewDecoder(r).Decode(&out)
	if err != nil {
		return out, err
	}
	if undec := md.Undecoded(); len(undec) != 0 {
		return out, fmt.Errorf("unknown configuration key %s", undec[0])
	}
	return out, out.Validate()
}

func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return c, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.Runtime.MaxCallDepth < 0 {
		return fmt.Errorf("runtime.max_call_depth must not be negative")
	}
	if c.GC.GrowthPercent < 0 {
		return fmt.Errorf("gc.growth_percent must not be negative")
	}
	if c.GC.MaxHeapBytes < 0 {
		return fmt.Errorf("gc.max_heap_bytes must not be negative")
	}
	if c.Debug.Port < 0 || c.Debug.Port > 65535 {
		return fmt.Errorf("debug.port %d out of range", c.Debug.Port)
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	return nil
}

// LogLevel is the configured level, falling back to info.
func (c Config) LogLevel() zerolog.Level {
	l, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || c.Log.Level == "" {
		return zerolog.InfoLevel
	}
	return l
}
