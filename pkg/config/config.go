// Package config holds the operator configuration of the loader: flags with
// defaults, optionally overridden by a YAML file.
package config

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/prelink/pkg/loader"
	"github.com/grafana/prelink/pkg/vdso"
)

type Config struct {
	Loader loader.Config `yaml:"loader"`
	VDSO   vdso.Config   `yaml:"vdso"`
	Arena  ArenaConfig   `yaml:"arena"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ConfigFile string `yaml:"-"`
}

// ArenaConfig is the address window tools allocate loaded images from.
type ArenaConfig struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

func (c *ArenaConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Uint64Var(&c.Base, prefix+"base", 0xffffffffa0000000, "First address of the module area.")
	f.Uint64Var(&c.Size, prefix+"size", 0x40000000, "Size of the module area in bytes.")
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, "config.file", "", "yaml file to load")
	f.StringVar(&c.LogLevel, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")
	c.Loader.RegisterFlags(f)
	c.VDSO.RegisterFlags(f)
	c.Arena.RegisterFlagsWithPrefix("arena.", f)
}

func (c *Config) Validate() error {
	if err := c.Loader.Validate(); err != nil {
		return err
	}
	if err := c.VDSO.Validate(c.Loader.PageSize); err != nil {
		return err
	}
	if c.Arena.Size == 0 {
		return errors.New("arena.size must be positive")
	}
	if c.Arena.Base%c.Loader.PageSize != 0 {
		return fmt.Errorf("arena.base %#x is not page aligned", c.Arena.Base)
	}
	if c.Arena.Base+c.Arena.Size < c.Arena.Base {
		return errors.New("arena wraps around the address space")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "logfmt", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.LogFormat)
	}
	return nil
}

// Default returns the configuration with every flag at its default.
func Default() *Config {
	c := &Config{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	c.RegisterFlags(fs)
	return c
}

// LoadFile applies the YAML file at path on top of c. Unknown keys are an
// error.
func (c *Config) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	return c.LoadBytes(buf)
}

func (c *Config) LoadBytes(buf []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Wrap(err, "parsing config")
	}
	return nil
}
