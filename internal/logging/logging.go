// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Level  string
	Format string
	Out    io.Writer
}

// New returns a logrus logger writing JSON by default. Unknown levels fall back to info.
func New(opts Options) *logrus.Logger {
	log := logrus.New()
	if strings.EqualFold(opts.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)
	return log
}

// Discard is a logger for tests and library callers that do not care.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// LogError records err with the calling module and function.
func LogError(log logrus.FieldLogger, module, fn string, fields logrus.Fields, err error) {
	entry := log.WithFields(logrus.Fields{"module": module, "func": fn})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Error(err.Error())
}
