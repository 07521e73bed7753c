// Package log provides loggers for rpinfer components.
package log

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var debug bool

// Field names shared by all pipeline loggers.
const (
	FieldRun     = "run"
	FieldChannel = "channel"
	FieldStage   = "stage"
)

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv("RPINFER_DEBUG"))
	if err != nil {
		debug = false
	}
}

// GetLogger returns a new logger instance.
func GetLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Discard returns a logger that drops every entry.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLevel parses level name and applies it to the logger. Empty name
// keeps the current level.
func SetLevel(l *logrus.Logger, name string) error {
	if name == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}
