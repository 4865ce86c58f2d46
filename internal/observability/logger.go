package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs a console logger on stderr tagged with the application
// name. Stdout stays free for command output.
func InitLogger(app string) zerolog.Logger {
	return initLogger(os.Stderr, app, false)
}

func initLogger(out io.Writer, app string, noColor bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// TagServer adds the annotation server identifier to every later line of the
// global logger. Call it after InitLogger once the identifier is known.
func TagServer(serverID string) zerolog.Logger {
	if serverID == "" {
		return log.Logger
	}
	log.Logger = log.Logger.With().Str("server_id", serverID).Logger()
	return log.Logger
}
