package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/prelink/pkg/alloc"
	"github.com/grafana/prelink/pkg/config"
	"github.com/grafana/prelink/pkg/kmod"
	"github.com/grafana/prelink/pkg/loader"
	"github.com/grafana/prelink/pkg/reloc"
	"github.com/grafana/prelink/pkg/symtab"
)

// moduleArg splits "path=sym1,sym2" into the path and the export names.
func moduleArg(arg string) (path string, exports []string) {
	path, list, ok := strings.Cut(arg, "=")
	if ok && list != "" {
		exports = strings.Split(list, ",")
	}
	return path, exports
}

func moduleName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func loadModules(out io.Writer, conf *config.Config, l *loader.Loader) error {
	var bootstrap reloc.Resolver
	if cfg.load.kallsyms != "" {
		buf, err := os.ReadFile(cfg.load.kallsyms)
		if err != nil {
			return err
		}
		ks, err := symtab.ParseKallsyms(buf)
		if err != nil {
			return fmt.Errorf("%s: %w", cfg.load.kallsyms, err)
		}
		level.Debug(logger).Log("msg", "kernel symbols loaded", "path", cfg.load.kallsyms, "symbols", ks.Len())
		bootstrap = ks
	}

	arena := alloc.NewArena(conf.Arena.Base, conf.Arena.Size)
	table := kmod.New(l, arena, bootstrap, logger)
	for _, arg := range cfg.load.modules {
		path, exports := moduleArg(arg)
		buf, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := table.Load(moduleName(path), buf, exports...); err != nil {
			return err
		}
	}

	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"Module", "ID", "Base", "Size", "Exports", "Deps", "Users"})
	for _, info := range table.List() {
		tw.Append([]string{
			info.Name,
			info.ID.String(),
			fmt.Sprintf("%#x", info.Base),
			humanize.IBytes(info.Size),
			fmt.Sprintf("%d", info.Exports),
			strings.Join(info.Deps, ","),
			fmt.Sprintf("%d", info.Users),
		})
	}
	tw.Render()

	for _, info := range table.List() {
		m, ok := table.Get(info.Name)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "%s: entry %#x, %d relocations, checksum %016x\n",
			m.Name, m.Image.Entry, m.Image.Relocations, m.Image.Checksum)
		printMappings(out, m.Image.Mappings(conf.Loader.PageSize), conf.Loader.PageSize)
		printExports(out, m.Image)
	}
	fmt.Fprintf(out, "arena: %s in use by %d images\n", humanize.IBytes(arena.InUse()), arena.Allocations())
	return symbolize(out, table, cfg.load.symbolize)
}

func symbolize(out io.Writer, table *kmod.Table, addrs []string) error {
	for _, arg := range addrs {
		addr, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", arg, err)
		}
		s, ok := table.Symbolize(addr)
		if !ok {
			fmt.Fprintf(out, "%#x: ?\n", addr)
			continue
		}
		fmt.Fprintf(out, "%#x: %s+%#x [%s]\n", addr, s.Name, addr-s.Start, s.Module)
	}
	return nil
}

func printMappings(out io.Writer, mappings []loader.Mapping, pageSize uint64) {
	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"Start", "End", "Pages", "Perm", "Section"})
	for _, m := range mappings {
		tw.Append([]string{
			fmt.Sprintf("%#x", m.Addr),
			fmt.Sprintf("%#x", m.End(pageSize)),
			fmt.Sprintf("%d", m.Pages),
			m.Perm.String(),
			m.Section,
		})
	}
	tw.Render()
}

func printExports(out io.Writer, li *loader.LoadedImage) {
	if len(li.Exports) == 0 {
		return
	}
	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"Export", "Addr", "Size", "Scope"})
	for _, e := range li.Exports {
		tw.Append([]string{
			e.Name,
			fmt.Sprintf("%#x", e.Addr),
			fmt.Sprintf("%d", e.Size),
			e.Scope.String(),
		})
	}
	tw.Render()
}
