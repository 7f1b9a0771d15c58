package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/logger"
)

var (
	logLevel   string
	logFormat  string
	debug      bool
	configFile string
	metricsOut string
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config file (default: user config dir/ptq/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "metrics-out",
			Usage:       "write prometheus metrics to this textfile when done",
			Destination: &metricsOut,
		},
	}
}

// newLogger builds the logger selected by the logging flags.
func newLogger(w io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(w, level), nil
	case "text":
		return logger.Text(w, level), nil
	case "pretty", "":
		return logger.Pretty(w, level), nil
	}
	return nil, fmt.Errorf("%w: log format %q", errUsage, logFormat)
}

func withLogger(ctx context.Context, w io.Writer) (context.Context, error) {
	log, err := newLogger(w)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
