package zorm

import (
	"time"

	"github.com/rs/zerolog"
)

// logger receives statement and relation logs. Disabled until SetLogger is called.
var logger = zerolog.Nop()

// SetLogger installs the logger used for statement and relation logging.
func SetLogger(l zerolog.Logger) {
	logger = l
}

// Logger returns the logger currently in use.
func Logger() *zerolog.Logger {
	return &logger
}

// logQuery records one executed statement. Failures go out at warn level.
func logQuery(op, query string, args []any, started time.Time, err error) {
	if err != nil {
		logger.Warn().
			Err(err).
			Str("op", op).
			Str("sql", query).
			Str("args", formatArgs(args)).
			Dur("duration", time.Since(started)).
			Msg("query failed")
		return
	}
	logger.Debug().
		Str("op", op).
		Str("sql", query).
		Str("args", formatArgs(args)).
		Dur("duration", time.Since(started)).
		Msg("query")
}
