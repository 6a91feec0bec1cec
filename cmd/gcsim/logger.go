package main

import (
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LoggerConfig holds the logging flags shared by all commands.
type LoggerConfig struct {
	Level  string
	Format string

	writer io.Writer
	logger log.Logger
}

// Register adds the logging flags to app.
func (l *LoggerConfig) Register(app *kingpin.Application) {
	app.Flag("log.level", "The level of logging to use: debug, info, warn or error.").Default("info").EnumVar(&l.Level, "debug", "info", "warn", "error")
	app.Flag("log.format", "Output log messages in the given format: logfmt or json.").Default("logfmt").EnumVar(&l.Format, "logfmt", "json")
	app.PreAction(l.setup)
}

func (l *LoggerConfig) setup(*kingpin.ParseContext) error {
	w := l.writer
	if w == nil {
		w = log.NewSyncWriter(os.Stderr)
	}
	var logger log.Logger
	if l.Format == "json" {
		logger = log.NewJSONLogger(w)
	} else {
		logger = log.NewLogfmtLogger(w)
	}
	logger = level.NewFilter(logger, levelOption(l.Level))
	l.logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return nil
}

// Logger returns the configured logger, or a no-op logger before parsing.
func (l *LoggerConfig) Logger() log.Logger {
	if l.logger == nil {
		return log.NewNopLogger()
	}
	return l.logger
}

func levelOption(lvl string) level.Option {
	switch lvl {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
