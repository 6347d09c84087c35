// Package bench drives rearrangement scenarios: it builds descriptors and a
// router over an in-process group, verifies exchanged values, sweeps message
// sizes for timing, and checks that two runs are bit-for-bit reproducible.
package bench

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/notargets/DGCoupler/partitions"
	"github.com/notargets/DGCoupler/rearrange"
	"github.com/notargets/DGCoupler/utils"
	"gopkg.in/yaml.v3"
)

// Named scenarios preset the source and target layouts
const (
	ScenarioDisjoint    = "disjoint"    // block to round-robin, exclusive both sides
	ScenarioOverlapping = "overlapping" // round-robin to a replicated halo target
)

// Config describes one benchmark run. Zero fields take DefaultConfig values.
type Config struct {
	Scenario    string   `yaml:"scenario"`
	Procs       int      `yaml:"procs"`
	Extent      int      `yaml:"extent"`
	Source      string   `yaml:"source"`
	Target      string   `yaml:"target"`
	Fields      int      `yaml:"fields"`
	Repeats     int      `yaml:"repeats"`
	Sizes       []int    `yaml:"sizes"` // Extents visited by Sweep
	Compression string   `yaml:"compression"`
	CompressMin int      `yaml:"compress_min"`
	Device      bool     `yaml:"device"` // Stage targets through OCCA device memory
	DeviceProps []string `yaml:"device_props"`
	LogLevel    string   `yaml:"log_level"`
}

// DefaultConfig is the disjoint scenario on four ranks
func DefaultConfig() Config {
	return Config{
		Scenario: ScenarioDisjoint,
		Procs:    4,
		Extent:   1 << 12,
		Fields:   1,
		Repeats:  5,
		Sizes:    []int{1 << 10, 1 << 12, 1 << 14, 1 << 16},
		LogLevel: "warn",
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// resolved fills layouts left empty from the named scenario
func (c Config) resolved() (src, tgt string, err error) {
	src, tgt = c.Source, c.Target
	var dsrc, dtgt string
	switch strings.ToLower(c.Scenario) {
	case "", ScenarioDisjoint:
		dsrc, dtgt = "block", "roundrobin"
	case ScenarioOverlapping:
		dsrc, dtgt = "roundrobin", "halo:2"
	default:
		if src == "" || tgt == "" {
			return "", "", fmt.Errorf("unknown scenario %q", c.Scenario)
		}
	}
	if src == "" {
		src = dsrc
	}
	if tgt == "" {
		tgt = dtgt
	}
	return src, tgt, nil
}

// Validate checks the config without running anything
func (c Config) Validate() error {
	const op = "bench.Config"
	switch {
	case c.Procs <= 0:
		return utils.Configuration(op, -1, "procs must be positive, got %d", c.Procs)
	case c.Extent < 0:
		return utils.Configuration(op, -1, "negative extent %d", c.Extent)
	case c.Fields <= 0:
		return utils.Configuration(op, -1, "fields must be positive, got %d", c.Fields)
	case c.Repeats <= 0:
		return utils.Configuration(op, -1, "repeats must be positive, got %d", c.Repeats)
	}
	for _, n := range c.Sizes {
		if n < 0 {
			return utils.Configuration(op, -1, "negative sweep size %d", n)
		}
	}
	if _, _, err := c.layouts(); err != nil {
		return utils.Configuration(op, -1, "%w", err)
	}
	if _, err := rearrange.ParseCompression(c.Compression); err != nil {
		return utils.Configuration(op, -1, "%w", err)
	}
	if _, err := c.level(); err != nil {
		return utils.Configuration(op, -1, "%w", err)
	}
	return nil
}

func (c Config) layouts() (src, tgt partitions.Layout, err error) {
	s, t, err := c.resolved()
	if err != nil {
		return src, tgt, err
	}
	if src, err = partitions.ParseLayout(s); err != nil {
		return src, tgt, fmt.Errorf("source: %w", err)
	}
	if tgt, err = partitions.ParseLayout(t); err != nil {
		return src, tgt, fmt.Errorf("target: %w", err)
	}
	return src, tgt, nil
}

func (c Config) level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}

// fieldNames are f0, f1, ...
func (c Config) fieldNames() []string {
	names := make([]string, c.Fields)
	for i := range names {
		names[i] = fmt.Sprintf("f%d", i)
	}
	return names
}

func (c Config) rearrangeConfig(log *utils.Logger) rearrange.Config {
	comp, _ := rearrange.ParseCompression(c.Compression)
	return rearrange.Config{Logger: log, Compression: comp, CompressMin: c.CompressMin}
}

func (c Config) logger() *utils.Logger {
	level, _ := c.level()
	return utils.NewTextLogger(os.Stderr, level)
}
