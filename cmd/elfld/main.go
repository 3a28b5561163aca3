package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/prelink/pkg/config"
	"github.com/grafana/prelink/pkg/exports"
	"github.com/grafana/prelink/pkg/loader"
)

var cfg struct {
	verbose bool
	metrics bool
	inspect struct {
		files    []string
		demangle bool
		locals   bool
	}
	load struct {
		kallsyms  string
		modules   []string
		symbolize []string
	}
	vdso struct {
		file string
		user []string
	}
}

var (
	consoleOutput           = os.Stderr
	stdout        io.Writer = os.Stdout
	logger                  = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	conf := config.Default()

	app := kingpin.New(filepath.Base(os.Args[0]), "Loads relocatable ELF objects and VDSO images into a simulated kernel address space.").UsageWriter(os.Stdout)
	app.Version(version.Print("elfld"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("print-metrics", "Print loader metrics after the command ran.").Default("false").BoolVar(&cfg.metrics)
	registerConfigFlags(app, conf)

	inspectCmd := app.Command("inspect", "Print the headers, sections and symbols of ELF files.")
	inspectCmd.Arg("file", "ELF file path").Required().ExistingFilesVar(&cfg.inspect.files)
	inspectCmd.Flag("demangle", "Demangle C++ and Rust symbol names.").Default("false").BoolVar(&cfg.inspect.demangle)
	inspectCmd.Flag("locals", "Include local symbols.").Default("false").BoolVar(&cfg.inspect.locals)

	loadCmd := app.Command("load", "Load kernel modules in order, linking each against the kernel and the modules before it.")
	loadCmd.Flag("kallsyms", "Kernel symbol map in /proc/kallsyms format.").ExistingFileVar(&cfg.load.kallsyms)
	loadCmd.Arg("module", "Module path, optionally followed by =sym1,sym2 naming the symbols it exports.").Required().StringsVar(&cfg.load.modules)
	loadCmd.Flag("symbolize", "Address to name once every module is loaded. Repeatable.").StringsVar(&cfg.load.symbolize)

	vdsoCmd := app.Command("vdso", "Publish a kernel-linked VDSO and print its user mappings.")
	vdsoCmd.Arg("file", "Linked kernel image holding the VDSO sections.").Required().ExistingFileVar(&cfg.vdso.file)
	vdsoCmd.Flag("user", "Shared object to prelink against the published VDSO.").ExistingFilesVar(&cfg.vdso.user)

	// the config file is applied first, so that command line flags win
	if file := configFileFromArgs(os.Args[1:]); file != "" {
		if err := conf.LoadFile(file); err != nil {
			os.Exit(checkError(err))
		}
	}

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))
	if cfg.verbose {
		conf.LogLevel = "debug"
	}
	if err := conf.Validate(); err != nil {
		os.Exit(checkError(err))
	}
	logger = conf.NewLogger(consoleOutput)

	reg := prometheus.NewRegistry()
	registry := exports.New(logger, reg)
	l, err := loader.New(conf.Loader, registry, logger, reg)
	if err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case inspectCmd.FullCommand():
		for _, file := range cfg.inspect.files {
			if err = inspect(stdout, conf, file); err != nil {
				break
			}
		}
	case loadCmd.FullCommand():
		err = loadModules(stdout, conf, l)
	case vdsoCmd.FullCommand():
		err = publishVdso(stdout, conf, l)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	if err == nil && cfg.metrics {
		err = printMetrics(stdout, reg)
	}
	os.Exit(checkError(err))
}

// registerConfigFlags exposes every flag of the configuration on the kingpin
// application.
func registerConfigFlags(app *kingpin.Application, conf *config.Config) {
	fs := flag.NewFlagSet("", flag.PanicOnError)
	conf.RegisterFlags(fs)
	fs.VisitAll(func(f *flag.Flag) {
		app.Flag(f.Name, f.Usage).PlaceHolder(f.DefValue).SetValue(f.Value)
	})
}

func configFileFromArgs(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") || name != "config.file" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
