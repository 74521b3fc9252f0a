// Package logging wires the toolkit's zerolog.Logger the way the
// teacher's logger.New does: a console writer in development, level
// derived from the active environment. Adapted to take streamcoreconfig
// instead of the teacher's gateway config, and to default to structured
// JSON output (no ConsoleWriter) outside development, since a plugin host
// embedding this toolkit is more likely to ship logs to a collector than
// a terminal.
package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/lidarr-plugins/streamcore/streamcoreconfig"
)

// New builds a root zerolog.Logger from cfg. Every package-level logger
// in this toolkit is a child of one of these via
// logger.With().Str("component", ...).Logger(), matching the teacher's
// child-logger convention.
func New(cfg *streamcoreconfig.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
