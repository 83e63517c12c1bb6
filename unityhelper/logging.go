package unityhelper

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const loggerNameKey = "logger"

// defaultLogWriter is where component loggers write. Tests may swap it out.
var defaultLogWriter io.Writer = os.Stdout

// newLogHandler returns the tint handler used by every component logger.
// Color is only used when stdout is a terminal.
func newLogHandler(level slog.Leveler) slog.Handler {
	noColor := true
	if f, ok := defaultLogWriter.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}
	return tint.NewHandler(
		defaultLogWriter,
		&tint.Options{
			Level:      level,
			AddSource:  true,
			NoColor:    noColor,
			TimeFormat: time.DateTime,
		},
	)
}

// newComponentLogger returns a logger for a single component, tagged
// with its name.
func newComponentLogger(name string, level slog.Leveler) *slog.Logger {
	return slog.New(newLogHandler(level)).With(loggerNameKey, name)
}

// discordgoLoggerFunc returns a function matching discordgo.Logger, which
// forwards discordgo's log messages to the given handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}
