package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ianlancetaylor/demangle"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/prelink/pkg/config"
	elf2 "github.com/grafana/prelink/pkg/elf"
	"github.com/grafana/prelink/pkg/sections"
	"github.com/grafana/prelink/pkg/symtab"
)

func readImage(conf *config.Config, path string) (*elf2.Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	machines, err := conf.Loader.ParseMachines()
	if err != nil {
		return nil, err
	}
	var opts []elf2.Option
	if len(machines) > 0 {
		opts = append(opts, elf2.WithMachines(machines...))
	}
	img, err := elf2.Parse(buf, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func inspect(out io.Writer, conf *config.Config, path string) error {
	img, err := readImage(conf, path)
	if err != nil {
		return err
	}
	secs, err := sections.Resolve(img)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	fmt.Fprintln(out, "file:", path)
	fmt.Fprintf(out, "\t %s %s %s %s, entry %#x, %s\n",
		img.Class, img.Data, img.Type, img.Machine, img.Entry, humanize.IBytes(uint64(len(img.Raw()))))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Idx", "Name", "Type", "Kind", "Flags", "Addr", "Size", "Align", "Target"})
	for _, d := range secs.All() {
		target := ""
		if d.Target >= 0 {
			target = secs.At(d.Target).Name
		}
		table.Append([]string{
			fmt.Sprintf("%d", d.Index),
			d.Name,
			d.Type.String(),
			d.Kind.String(),
			d.Flags.String(),
			fmt.Sprintf("%#x", d.Addr),
			humanize.IBytes(d.Size),
			fmt.Sprintf("%#x", d.Align),
			target,
		})
	}
	table.Render()

	symSec, ok := secs.Symtab()
	if !ok {
		fmt.Fprintln(out, "\t no symbol table")
		return nil
	}
	syms, err := symtab.Build(secs, symSec)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(out, "\t %s: %d symbols, %d undefined\n", symSec.Name, syms.Len(), len(syms.Undefined()))

	table = tablewriter.NewWriter(out)
	table.SetHeader([]string{"Name", "Value", "Size", "Bind", "Type", "Section"})
	for _, s := range syms.All() {
		if s.Name == "" || (s.Local() && !cfg.inspect.locals) {
			continue
		}
		table.Append([]string{
			symbolName(s.Name),
			fmt.Sprintf("%#x", s.Value),
			fmt.Sprintf("%d", s.Size),
			strings.TrimPrefix(s.Bind.String(), "STB_"),
			strings.TrimPrefix(s.Type.String(), "STT_"),
			sectionName(secs, &s),
		})
	}
	table.Render()
	return nil
}

func symbolName(name string) string {
	if !cfg.inspect.demangle {
		return name
	}
	return demangle.Filter(name)
}

func sectionName(secs *sections.Table, s *symtab.Symbol) string {
	switch {
	case s.Absolute():
		return "ABS"
	case s.Common():
		return "COMMON"
	case !s.Defined():
		return "UND"
	}
	if d := secs.At(int(s.Section)); d != nil {
		return d.Name
	}
	return fmt.Sprintf("%d", s.Section)
}
