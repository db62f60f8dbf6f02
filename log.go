package rotor

import (
	"sort"

	"github.com/btcsuite/btclog"

	"github.com/rotorproxy/rotor/balancer"
	"github.com/rotorproxy/rotor/build"
	"github.com/rotorproxy/rotor/egress"
	"github.com/rotorproxy/rotor/nodedir"
	"github.com/rotorproxy/rotor/pool"
	"github.com/rotorproxy/rotor/torctl"
)

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it will write to the backend.
var (
	logWriter = &build.LogWriter{}

	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter)

	// rotatorWriter provides the optional file output for logWriter. It
	// should be closed on application shutdown.
	rotatorWriter = build.NewRotatingLogWriter()

	rtorLog = build.NewSubLogger("RTOR", backendLog.Logger)
	blncLog = build.NewSubLogger(balancer.Subsystem, backendLog.Logger)
	egrsLog = build.NewSubLogger(egress.Subsystem, backendLog.Logger)
	ndirLog = build.NewSubLogger(nodedir.Subsystem, backendLog.Logger)
	poolLog = build.NewSubLogger(pool.Subsystem, backendLog.Logger)
	torcLog = build.NewSubLogger(torctl.Subsystem, backendLog.Logger)
)

// Initialize package-global logger variables.
func init() {
	balancer.UseLogger(blncLog)
	egress.UseLogger(egrsLog)
	nodedir.UseLogger(ndirLog)
	pool.UseLogger(poolLog)
	torctl.UseLogger(torcLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = build.SubLoggers{
	"RTOR":             rtorLog,
	balancer.Subsystem: blncLog,
	egress.Subsystem:   egrsLog,
	nodedir.Subsystem:  ndirLog,
	pool.Subsystem:     poolLog,
	torctl.Subsystem:   torcLog,
}

// subLogManager exposes the subsystem logger registry for the debuglevel
// parser.
type subLogManager struct{}

// subLogMgr is the singleton handed to build.ParseAndSetDebugLevels.
var subLogMgr = subLogManager{}

// SubLoggers returns the map of all registered subsystem loggers.
func (subLogManager) SubLoggers() build.SubLoggers {
	return subsystemLoggers
}

// SupportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func (subLogManager) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for id := range subsystemLoggers {
		subsystems = append(subsystems, id)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the logging level for the provided subsystem. Invalid
// subsystems are ignored.
func (subLogManager) SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func (m subLogManager) SetLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		m.SetLogLevel(subsystemID, logLevel)
	}
}
