// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Configure sets the standard logger's formatter, level and output and
// returns an entry tagged with the service name. format is "json" or "text".
func Configure(format, level, service string) (*logrus.Entry, error) {
	return configure(logrus.StandardLogger(), os.Stdout, format, level, service)
}

func configure(logger *logrus.Logger, out io.Writer, format, level, service string) (*logrus.Entry, error) {
	fieldMap := logrus.FieldMap{
		logrus.FieldKeyLevel: "severity",
		logrus.FieldKeyMsg:   "message",
	}

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{FieldMap: fieldMap})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, FieldMap: fieldMap})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("could not parse log level: %w", err)
	}
	logger.SetLevel(lvl)
	logger.SetOutput(out)

	return logger.WithField("service", service), nil
}
