package main

import (
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
)

func (prog *program) parseArgs(cliArgs []string) error {
	var (
		yamlFile string
		yamlOpts programOptions
	)

	prog.flags = flag.NewFlagSet("dredger", flag.ExitOnError)
	prog.flags.SetOutput(prog.stderr)
	prog.flags.Usage = func() {
		fmt.Fprintf(prog.stderr, "usage: %q -d dir [-b name] [-o k=v] [--config yaml]\n", cliArgs[0])
		fmt.Fprintf(prog.stderr, "\t%q -d dir -c path | -m path | -u path | -s\n\n", cliArgs[0])
		prog.flags.PrintDefaults()
	}

	prog.flags.StringVar(&yamlFile, "config", "", "path to a yaml configuration file for the daemon's static settings")
	prog.flags.StringVar(&prog.opts.Backend, "b", "file", "backend name to store migrated content under")
	prog.flags.Var(&prog.opts.BackendOpts, "o", "backend option string 'k=v'; can be repeated")
	prog.flags.StringVar(&prog.opts.FrontendRoot, "d", "", "absolute path to the watched frontend directory; always needed")
	prog.flags.IntVar(&prog.opts.LogPriority, "p", defaultLogPriority, "syslog-style numeric logging priority, 0 (emerg) to 7 (debug)")
	prog.flags.BoolVar(&prog.opts.JSON, "json", false, "output all emitted logs in the JSON format; results can be read from stderr")
	prog.flags.StringVar(&prog.opts.CheckPath, "c", "", "check a frontend path against its backend copy, then exit")
	prog.flags.StringVar(&prog.opts.MigratePath, "m", "", "migrate a frontend path out to the backend (checking it first), then exit")
	prog.flags.StringVar(&prog.opts.SetupPath, "u", "", "mark a frontend path for permission and change events, then exit")
	prog.flags.BoolVar(&prog.opts.Shutdown, "s", false, "ask a running daemon to shut down, then exit")

	if err := prog.flags.Parse(cliArgs[1:]); err != nil {
		return fmt.Errorf("failed parsing flags: %w", err)
	}

	setFlags := make(map[string]bool)
	prog.flags.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	if yamlFile != "" {
		f, err := prog.fsys.Open(yamlFile)
		if err != nil {
			return fmt.Errorf("%w: %w", errArgConfigMissing, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)

		if err := dec.Decode(&yamlOpts); err != nil {
			return fmt.Errorf("%w: %w", errArgConfigMalformed, err)
		}
	}

	if !setFlags["b"] && yamlOpts.Backend != "" {
		prog.opts.Backend = yamlOpts.Backend
	}
	if !setFlags["o"] {
		prog.opts.BackendOpts = append(prog.opts.BackendOpts, yamlOpts.BackendOpts...)
	}
	if !setFlags["d"] {
		prog.opts.FrontendRoot = yamlOpts.FrontendRoot
	}
	if !setFlags["p"] && yamlOpts.LogPriority != 0 {
		prog.opts.LogPriority = yamlOpts.LogPriority
	}
	if !setFlags["json"] {
		prog.opts.JSON = yamlOpts.JSON
	}

	return nil
}

func (prog *program) validateOpts() error {
	prog.opts.FrontendRoot = filepath.Clean(strings.TrimSpace(prog.opts.FrontendRoot))
	if prog.opts.FrontendRoot == "" || prog.opts.FrontendRoot == "." {
		return errArgMissingFrontendRoot
	}
	if !filepath.IsAbs(prog.opts.FrontendRoot) {
		return errArgFrontendRootNotAbs
	}

	if prog.opts.Backend == "" {
		prog.opts.Backend = "file"
	}
	if prog.opts.Backend != "file" {
		return fmt.Errorf("%w: %q", errArgUnknownBackend, prog.opts.Backend)
	}

	if _, err := parseLogPriority(prog.opts.LogPriority); err != nil {
		return fmt.Errorf("%w: %d", err, prog.opts.LogPriority)
	}

	shortcuts := 0
	for _, set := range []bool{prog.opts.CheckPath != "", prog.opts.MigratePath != "", prog.opts.SetupPath != "", prog.opts.Shutdown} {
		if set {
			shortcuts++
		}
	}
	if shortcuts > 1 {
		return errArgMultipleShortcuts
	}

	return nil
}

func (prog *program) printOpts() error {
	out, err := yaml.Marshal(prog.opts)
	if err != nil {
		return fmt.Errorf("failed printing configuration: %w", err)
	}

	fmt.Fprintf(prog.stdout, "configuration for frontend %q:\n", prog.opts.FrontendRoot)

	lines := strings.Split(string(out), "\n")
	for _, line := range lines {
		if line != "" {
			fmt.Fprintf(prog.stdout, "\t%s\n", line)
		}
	}

	fmt.Fprintln(prog.stdout)

	return nil
}

func (prog *program) logHandler() slog.Handler {
	logLevel, _ := parseLogPriority(prog.opts.LogPriority)

	if prog.opts.JSON {
		return slog.NewJSONHandler(prog.stderr, &slog.HandlerOptions{
			Level: logLevel,
		})
	}

	return tint.NewHandler(prog.stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
	})
}
