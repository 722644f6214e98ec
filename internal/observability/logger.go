package observability

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var initOnce sync.Once

// InitLogger initializes the global structured logger. Later calls are no-ops.
func InitLogger(level string, pretty bool) {
	initOnce.Do(func() {
		logLevel, err := zerolog.ParseLevel(level)
		if err != nil || level == "" {
			logLevel = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(logLevel)
		zerolog.DurationFieldUnit = time.Millisecond

		if pretty {
			output := zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}
			log.Logger = zerolog.New(output).With().Timestamp().Logger()
			return
		}
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	})
}

// CallLogger returns a logger carrying the call id and a fresh correlation id
func CallLogger(callID string) zerolog.Logger {
	return log.Logger.With().
		Str("call_id", callID).
		Str("correlation_id", NewCorrelationID()).
		Logger()
}

// WithCorrelationID creates a logger with a correlation ID
func WithCorrelationID(correlationID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return log.Logger.With().Str("correlation_id", correlationID).Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
