package build

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btclog"
)

// LogWriter writes all log output to stdout and, if a rotator pipe has been
// set up, to the rotating log file as well.
type LogWriter struct {
	// RotatorPipe is the write-end pipe for writing to the log rotator. It
	// is written to by the Write method of the LogWriter type. Leaving it
	// nil disables file logging.
	RotatorPipe *io.PipeWriter
}

// Write writes the byte slice to stdout, and the log rotator if present.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)

	if w.RotatorPipe != nil {
		w.RotatorPipe.Write(b)
	}

	return len(b), nil
}

// NewSubLogger constructs a new subsystem logger using the given generator.
// If no generator is provided, logging for the subsystem is disabled until a
// real logger is installed via the package's UseLogger.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// SubLoggers holds a map of subsystem loggers keyed by their subsystem name.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns the names of the supported subsystems.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly on the given logger. The level spec is either a
// single global level, or a comma separated list of subsystem=level pairs,
// optionally preceded by a global level.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	levels := strings.Split(level, ",")
	if len(levels) == 0 {
		return fmt.Errorf("invalid log level: %v", level)
	}

	// If the first entry has no =, treat it as the log level for all
	// subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if _, ok := btclog.LevelFromString(globalLevel); !ok {
			return fmt.Errorf("invalid debug level: %v",
				globalLevel)
		}

		logger.SetLogLevels(globalLevel)

		// The rest will target specific subsystems.
		levels = levels[1:]
	}

	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("invalid subsystem/level pair %q -- "+
				"use format subsystem1=level1,"+
				"subsystem2=level2", pair)
		}

		subsysID, logLevel := fields[0], fields[1]
		if _, exists := logger.SubLoggers()[subsysID]; !exists {
			return fmt.Errorf("invalid subsystem %v -- supported "+
				"subsystems are %v", subsysID,
				logger.SupportedSubsystems())
		}

		if _, ok := btclog.LevelFromString(logLevel); !ok {
			return fmt.Errorf("invalid debug level: %v", logLevel)
		}

		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}
