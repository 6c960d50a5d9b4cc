package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogPriority = 6
	defaultLogLevel    = slog.LevelInfo
	defaultGroupWindow = 2 * time.Second
)

var (
	errArgConfigMalformed     = errors.New("--config yaml file is malformed")
	errArgConfigMissing       = errors.New("--config yaml file does not exist")
	errArgMissingFrontendRoot = errors.New("-d frontend directory must be set")
	errArgFrontendRootNotAbs  = errors.New("-d frontend directory must be absolute")
	errArgInvalidLogPriority  = errors.New("-p must be between 0 and 7")
	errArgInvalidWindow       = errors.New("--window must be positive")
)

type program struct {
	fsys   afero.Fs
	stdout io.Writer
	stderr io.Writer

	opts  *programOptions
	flags *flag.FlagSet

	log *slog.Logger
}

type programOptions struct {
	FrontendRoot string        `yaml:"frontend-root"`
	GroupWindow  time.Duration `yaml:"window"`
	Migrate      bool          `yaml:"migrate"`
	LogPriority  int           `yaml:"log-priority"`
	JSON         bool          `yaml:"json"`

	// List is cmdline-only: a one-shot scan-and-print, never persisted.
	List bool `yaml:"-"`
}

func newProgram(cliArgs []string, fsys afero.Fs, stdout, stderr io.Writer) (*program, error) {
	prog := &program{
		fsys:   fsys,
		stdout: stdout,
		stderr: stderr,
		opts:   &programOptions{},
	}

	if err := prog.parseArgs(cliArgs); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to parse configuration: %v\n\n", err)
		prog.flags.Usage()
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := prog.validateOpts(); err != nil {
		fmt.Fprintf(prog.stderr, "fatal: failed to validate configuration: %v\n\n", err)
		prog.flags.Usage()
		return nil, fmt.Errorf("failed to validate configuration: %w", err)
	}

	prog.log = slog.New(prog.logHandler())

	return prog, nil
}

func (prog *program) parseArgs(cliArgs []string) error {
	var (
		yamlFile string
		yamlOpts programOptions
	)

	prog.flags = flag.NewFlagSet("trawler", flag.ExitOnError)
	prog.flags.SetOutput(prog.stderr)
	prog.flags.Usage = func() {
		fmt.Fprintf(prog.stderr, "usage: %q -d dir [--window dur] [--migrate] [--config yaml]\n", cliArgs[0])
		fmt.Fprintf(prog.stderr, "\t%q -d dir --list\n\n", cliArgs[0])
		prog.flags.PrintDefaults()
	}

	prog.flags.StringVar(&yamlFile, "config", "", "path to a yaml configuration file for the trawler's static settings")
	prog.flags.StringVar(&prog.opts.FrontendRoot, "d", "", "absolute path to the frontend directory to trawl; always needed")
	prog.flags.DurationVar(&prog.opts.GroupWindow, "window", defaultGroupWindow, "modification-time window for grouping changed files")
	prog.flags.BoolVar(&prog.opts.Migrate, "migrate", false, "ask the daemon to migrate settled files out to the backend")
	prog.flags.BoolVar(&prog.opts.List, "list", false, "scan once, print files grouped by modification time, then exit")
	prog.flags.IntVar(&prog.opts.LogPriority, "p", defaultLogPriority, "syslog-style numeric logging priority, 0 (emerg) to 7 (debug)")
	prog.flags.BoolVar(&prog.opts.JSON, "json", false, "output all emitted logs in the JSON format; results can be read from stderr")

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

	if !setFlags["d"] && yamlOpts.FrontendRoot != "" {
		prog.opts.FrontendRoot = yamlOpts.FrontendRoot
	}
	if !setFlags["window"] && yamlOpts.GroupWindow != 0 {
		prog.opts.GroupWindow = yamlOpts.GroupWindow
	}
	if !setFlags["migrate"] {
		prog.opts.Migrate = yamlOpts.Migrate
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

	if prog.opts.GroupWindow <= 0 {
		return fmt.Errorf("%w: %s", errArgInvalidWindow, prog.opts.GroupWindow)
	}

	if _, err := parseLogPriority(prog.opts.LogPriority); err != nil {
		return fmt.Errorf("%w: %d", err, prog.opts.LogPriority)
	}

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
