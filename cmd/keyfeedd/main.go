// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"

	"github.com/juju/keyfeed/internal/config"
	"github.com/juju/keyfeed/internal/daemon"
)

var logger = loggo.GetLogger("keyfeed.cmd.keyfeedd")

const defaultLoggingConfig = "<root>=INFO"

// options holds the command line flags.
type options struct {
	configFile    string
	loggingConfig string
	logFile       string
	listen        string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Main(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// Main runs the daemon until ctx is done or the daemon fails, and returns
// the process exit code.
func Main(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err == gnuflag.ErrHelp {
		return 0
	} else if err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return 2
	}
	if err := run(ctx, opts, stderr); err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return 1
	}
	return 0
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	flags := gnuflag.NewFlagSet("keyfeedd", gnuflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.configFile, "config", "", "path to the YAML config file (default $"+config.EnvConfigFile+")")
	flags.StringVar(&opts.loggingConfig, "logging-config", defaultLoggingConfig, "loggo logging configuration")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this rotating file instead of stderr")
	flags.StringVar(&opts.listen, "listen", "", "override the configured listen address")
	if err := flags.Parse(true, args); err != nil {
		return options{}, err
	}
	if extra := flags.Args(); len(extra) > 0 {
		return options{}, errors.Errorf("unrecognized args: %q", extra)
	}
	if opts.configFile == "" {
		opts.configFile = os.Getenv(config.EnvConfigFile)
	}
	if opts.configFile == "" {
		return options{}, errors.Errorf("no config file: use --config or set $%s", config.EnvConfigFile)
	}
	return opts, nil
}

func setupLogging(opts options, stderr io.Writer) error {
	var w io.Writer = stderr
	if opts.logFile != "" {
		w = &lumberjack.Logger{
			Filename:   opts.logFile,
			MaxSize:    100,
			MaxBackups: 2,
			Compress:   true,
		}
	}
	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(w, loggo.DefaultFormatter)); err != nil {
		return errors.Annotate(err, "setting log writer")
	}
	if err := loggo.ConfigureLoggers(opts.loggingConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}
	return nil
}

func run(ctx context.Context, opts options, stderr io.Writer) error {
	if err := setupLogging(opts, stderr); err != nil {
		return errors.Trace(err)
	}
	cfg, err := config.ReadFile(opts.configFile)
	if err != nil {
		return errors.Trace(err)
	}
	if opts.listen != "" {
		cfg.ListenAddress = opts.listen
	}

	d, err := daemon.New(ctx, daemon.Params{
		Config: cfg,
		Clock:  clock.WallClock,
	})
	if err != nil {
		return errors.Annotate(err, "starting daemon")
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- d.Wait()
	}()
	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
		d.Kill()
		return errors.Trace(<-stopped)
	case err := <-stopped:
		return errors.Trace(err)
	}
}
