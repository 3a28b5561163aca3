package loader

import (
	"debug/elf"
	"flag"
	"fmt"
	"strings"

	"github.com/grafana/dskit/flagext"
)

var machineNames = map[string]elf.Machine{
	"x86_64":  elf.EM_X86_64,
	"aarch64": elf.EM_AARCH64,
	"riscv":   elf.EM_RISCV,
	"386":     elf.EM_386,
	"ppc":     elf.EM_PPC,
}

type Config struct {
	PageSize     uint64                 `yaml:"page_size"`
	EntrySymbol  string                 `yaml:"entry_symbol"`
	UserSections flagext.StringSliceCSV `yaml:"user_sections"`
	Machines     flagext.StringSliceCSV `yaml:"machines"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("loader.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Uint64Var(&cfg.PageSize, prefix+"page-size", DefaultPageSize, "Page size used for alignment checks and mappings.")
	f.StringVar(&cfg.EntrySymbol, prefix+"entry-symbol", "init_module", "Symbol used as the entry point of relocatable objects.")
	cfg.UserSections = []string{".text.vdso", ".data.vdso"}
	f.Var(&cfg.UserSections, prefix+"user-sections", "Comma separated sections mapped into userspace by VDSO loads.")
	cfg.Machines = []string{"x86_64", "aarch64", "riscv", "386", "ppc"}
	f.Var(&cfg.Machines, prefix+"machines", "Comma separated architectures accepted by the parser. One of x86_64, aarch64, riscv, 386, ppc.")
}

func (cfg *Config) Validate() error {
	if cfg.PageSize == 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return fmt.Errorf("loader.page-size must be a power of two, got %d", cfg.PageSize)
	}
	if _, err := cfg.ParseMachines(); err != nil {
		return err
	}
	return nil
}

// ParseMachines converts the machine allow-list. An empty list means the
// parser default.
func (cfg *Config) ParseMachines() ([]elf.Machine, error) {
	var res []elf.Machine
	for _, name := range cfg.Machines {
		m, ok := machineNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown machine %q in loader.machines", name)
		}
		res = append(res, m)
	}
	return res, nil
}
