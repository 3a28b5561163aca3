package vdso

import (
	"errors"
	"flag"

	"github.com/grafana/dskit/flagext"
)

const DefaultTarget = 0x7ffff7fc1000

type Config struct {
	Sections    flagext.StringSliceCSV `yaml:"sections"`
	StartSymbol string                 `yaml:"start_symbol"`
	EndSymbol   string                 `yaml:"end_symbol"`

	// Target is where the first VDSO page appears in a process.
	Target uint64 `yaml:"target"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("vdso.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.Sections = []string{".text.vdso", ".data.vdso"}
	f.Var(&cfg.Sections, prefix+"sections", "Comma separated sections that make up the VDSO.")
	f.StringVar(&cfg.StartSymbol, prefix+"start-symbol", "__vdso_start", "Linker symbol marking the first VDSO byte.")
	f.StringVar(&cfg.EndSymbol, prefix+"end-symbol", "__vdso_end", "Linker symbol marking the end of the VDSO.")
	f.Uint64Var(&cfg.Target, prefix+"target", DefaultTarget, "Userspace address the VDSO is mapped at.")
}

func (cfg *Config) Validate(pageSize uint64) error {
	if len(cfg.Sections) == 0 {
		return errors.New("vdso.sections must name at least one section")
	}
	if cfg.Target%pageSize != 0 {
		return errors.New("vdso.target must be page aligned")
	}
	return nil
}
