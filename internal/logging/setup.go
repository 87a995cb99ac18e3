package logging

import (
	"log/slog"
	"os"
	"strings"
)

// LevelTrace is one step more verbose than slog.LevelDebug, reached via
// a third repetition of the -v flag (spec.md §6).
const LevelTrace = slog.Level(-8)

// levelForVerbosity maps a repeat count of -v to a slog level: 0 is Warn,
// each repetition drops one level, bottoming out at LevelTrace.
func levelForVerbosity(n int) slog.Level {
	switch {
	case n <= 0:
		return slog.LevelWarn
	case n == 1:
		return slog.LevelInfo
	case n == 2:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

func levelByName(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "warn", "warning":
		return slog.LevelWarn, true
	case "info":
		return slog.LevelInfo, true
	case "debug":
		return slog.LevelDebug, true
	case "trace":
		return LevelTrace, true
	default:
		return 0, false
	}
}

// Setup builds the process-wide logger for a syncfast CLI invocation.
// verbosity is the number of times -v was repeated; SYNCFAST_LOG (a level
// name) overrides it when set. SYNCFAST_LOG_STYLE is one of auto (the
// default: color when stderr is a terminal), always, or never.
func Setup(verbosity int) *slog.Logger {
	level := levelForVerbosity(verbosity)
	if name := os.Getenv("SYNCFAST_LOG"); name != "" {
		if l, ok := levelByName(name); ok {
			level = l
		}
	}

	useColor := isTerminal(os.Stderr)
	switch strings.ToLower(os.Getenv("SYNCFAST_LOG_STYLE")) {
	case "always":
		useColor = true
	case "never":
		useColor = false
	}

	opts := DefaultOptions()
	opts.SlogOpts.Level = level
	opts.UseColor = useColor
	opts.ShowSource = level <= slog.LevelDebug

	handler := NewPrettyHandler(os.Stderr, &opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// isTerminal reports whether f looks like an interactive terminal, used
// only to pick SYNCFAST_LOG_STYLE's auto default.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
