package main

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/prelink/pkg/alloc"
	"github.com/grafana/prelink/pkg/config"
	"github.com/grafana/prelink/pkg/loader"
	"github.com/grafana/prelink/pkg/vdso"
)

// Shared objects prelinked against the VDSO are placed in their own arena.
const (
	userArenaBase = 0x400000
	userArenaSize = 0x40000000
)

func publishVdso(out io.Writer, conf *config.Config, l *loader.Loader) error {
	img, err := readImage(conf, cfg.vdso.file)
	if err != nil {
		return err
	}
	arena := alloc.NewArena(conf.Arena.Base, conf.Arena.Size)
	v, err := vdso.NewPublisher(conf.VDSO, l, logger).Publish(img, arena, loader.WithName(moduleName(cfg.vdso.file)))
	if err != nil {
		return err
	}
	defer func() {
		if err := v.Close(); err != nil {
			level.Warn(logger).Log("msg", "failed to unload vdso", "err", err)
		}
	}()

	fmt.Fprintf(out, "vdso: kernel %#x-%#x, user %#x\n", v.Start, v.End, v.Target)
	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"Symbol", "Kernel", "User"})
	for _, name := range v.Symbols() {
		kaddr, _ := v.Image().Lookup(name)
		uaddr, _ := v.Lookup(name)
		tw.Append([]string{name, fmt.Sprintf("%#x", kaddr), fmt.Sprintf("%#x", uaddr)})
	}
	tw.Render()
	printMappings(out, v.Mappings(), conf.Loader.PageSize)

	if len(cfg.vdso.user) == 0 {
		return nil
	}
	user := alloc.NewArena(userArenaBase, userArenaSize)
	for _, path := range cfg.vdso.user {
		buf, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		li, err := v.Prelink(l, buf, user, loader.WithName(moduleName(path)))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: base %#x, bias %#x, %d relocations\n", li.Name, li.Base, li.Bias, li.Relocations)
		printMappings(out, li.Mappings(conf.Loader.PageSize), conf.Loader.PageSize)
		if err := li.Unload(); err != nil {
			return err
		}
	}
	return nil
}
