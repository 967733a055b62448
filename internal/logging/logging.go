// Package logging builds the logrus logger shared by all components.
//
// Components never construct or resolve loggers themselves; they accept a
// logrus.FieldLogger at construction time. This package exists only for the
// CLI entrypoint to assemble that dependency.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	// Level is a logrus level name ("debug", "info", "warn", "error").
	Level string

	// File enables rotating file output alongside the console when set.
	File string
}

// New builds a logger writing to stderr, and additionally to a size-rotated
// file when Options.File is set (10 MB per file, 5 backups kept).
func New(opts Options) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	var out io.Writer = os.Stderr
	if opts.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		})
	}
	log.SetOutput(out)

	return log
}

// Discard returns a logger that drops everything. Used as the default when a
// component is constructed with a nil logger, mainly in tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
