package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func InitLogger(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// SilenceLogger routes all log output away from the terminal, used while the
// progress display owns the screen.
func SilenceLogger() {
	log.Logger = zerolog.New(io.Discard)
}

func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
