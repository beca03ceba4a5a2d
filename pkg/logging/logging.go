// Package logging builds the process logger shared by all packages.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

type Options struct {
	// Level is a logrus level name, info when empty.
	Level string
	// Format is FormatText or FormatJSON, text when empty.
	Format string
	// Output defaults to stderr.
	Output io.Writer
}

func New(opts Options) (*logrus.Logger, error) {
	l := logrus.New()
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	level := logrus.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(opts.Level); err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}
	l.SetLevel(level)

	switch opts.Format {
	case "", FormatText:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
	return l, nil
}
