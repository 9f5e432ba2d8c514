package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
)

// setupLogging installs a console slog handler. Warnings and errors only by
// default, since progress is already printed by the console.
func setupLogging(w io.Writer, level string, verbose bool) error {
	lvl := log.WarnLevel
	if level != "" {
		parsed, err := log.ParseLevel(strings.ToLower(level))
		if err != nil {
			return err
		}
		lvl = parsed
	}
	if verbose && lvl > log.DebugLevel {
		lvl = log.DebugLevel
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "envkit",
		ReportTimestamp: verbose,
	})
	slog.SetDefault(slog.New(logger))
	return nil
}
