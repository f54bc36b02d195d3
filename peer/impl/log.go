package impl

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// logout is the console output shared by every component logger.
var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// defaultLevel can be changed with the GLOG environment variable: "no"
// disables logging, any zerolog level name selects that level.
var defaultLevel = zerolog.InfoLevel

// logger is the package logger. Components derive children from it.
var logger zerolog.Logger

func init() {
	switch lvl := os.Getenv("GLOG"); lvl {
	case "":
	case "no":
		defaultLevel = zerolog.Disabled
	default:
		parsed, err := zerolog.ParseLevel(lvl)
		if err == nil {
			defaultLevel = parsed
		}
	}

	logger = zerolog.New(logout).Level(defaultLevel).With().Timestamp().Logger()
}

// SetLogLevel overrides the level of the package logger. It must be called
// before any component is created.
func SetLogLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	if defaultLevel != zerolog.Disabled {
		logger = logger.Level(parsed)
	}
	return nil
}
