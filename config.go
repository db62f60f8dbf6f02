package rotor

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/rotorproxy/rotor/build"
)

const (
	defaultBaseDirname    = ".rotor"
	defaultLogFilename    = "rotord.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultListenAddr  = "127.0.0.1:8080"
	defaultMetricsAddr = ""

	defaultTorBinary       = "tor"
	defaultInstances       = 4
	defaultBatchSize       = 2
	defaultHealthInterval  = time.Minute
	defaultSweepInterval   = time.Minute
	defaultProbeInterval   = 30 * time.Second
	defaultRotateInterval  = 10 * time.Minute
	defaultUpstreamTimeout = 60 * time.Second
	defaultBatchTimeout    = 90 * time.Second
)

// Config holds the daemon's runtime configuration, populated from defaults
// and command line flags.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	BaseDir string `long:"basedir" description:"Directory for per-instance torrc files and data directories"`
	LogDir  string `long:"logdir" description:"Directory to log output"`

	MaxLogFiles    int `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	ListenAddr  string `long:"listen" description:"Address to listen on for proxy client connections"`
	MetricsAddr string `long:"metrics" description:"Address to serve Prometheus metrics and status on (disabled when empty)"`

	TorBinary string `long:"torbinary" description:"Path to the tor executable"`

	Instances int `long:"instances" description:"Number of egress instances to run"`
	BatchSize int `long:"batchsize" description:"Number of instances started concurrently during startup"`

	DirectoryURL string `long:"directoryurl" description:"Upstream exit-relay directory endpoint (empty leaves instances unrestricted)"`

	HealthInterval  time.Duration `long:"healthinterval" description:"Per-instance health check interval"`
	SweepInterval   time.Duration `long:"sweepinterval" description:"Pool liveness sweep interval"`
	ProbeInterval   time.Duration `long:"probeinterval" description:"Balancer backend probe interval"`
	RotateInterval  time.Duration `long:"rotateinterval" description:"Circuit rotation interval (0 disables)"`
	UpstreamTimeout time.Duration `long:"upstreamtimeout" description:"End-to-end timeout for proxied requests"`
	BatchTimeout    time.Duration `long:"batchtimeout" description:"Time allowed for a startup batch to become healthy"`

	PortsFile string `long:"portsfile" description:"File to publish the healthy SOCKS port list to (disabled when empty)"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	baseDir := defaultBaseDir()

	return Config{
		BaseDir:         baseDir,
		LogDir:          filepath.Join(baseDir, "logs"),
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
		DebugLevel:      "info",
		ListenAddr:      defaultListenAddr,
		MetricsAddr:     defaultMetricsAddr,
		TorBinary:       defaultTorBinary,
		Instances:       defaultInstances,
		BatchSize:       defaultBatchSize,
		HealthInterval:  defaultHealthInterval,
		SweepInterval:   defaultSweepInterval,
		ProbeInterval:   defaultProbeInterval,
		RotateInterval:  defaultRotateInterval,
		UpstreamTimeout: defaultUpstreamTimeout,
		BatchTimeout:    defaultBatchTimeout,
	}
}

// LoadConfig initializes and parses the config using command line options,
// then validates the result and sets up logging.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.ShowVersion {
		fmt.Println(appName, "version", Version())
		os.Exit(0)
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Initialize logging at the default level, then apply any requested
	// per-subsystem overrides.
	if cleanCfg.MaxLogFiles > 0 {
		logFile := filepath.Join(cleanCfg.LogDir, defaultLogFilename)
		err = rotatorWriter.InitLogRotator(
			logFile, cleanCfg.MaxLogFileSize, cleanCfg.MaxLogFiles,
		)
		if err != nil {
			return nil, fmt.Errorf("log rotation setup failed: %w",
				err)
		}
		logWriter.RotatorPipe = rotatorWriter.Pipe()
	}

	err = build.ParseAndSetDebugLevels(cleanCfg.DebugLevel, subLogMgr)
	if err != nil {
		return nil, err
	}

	return cleanCfg, nil
}

// ValidateConfig normalizes paths and rejects inconsistent settings.
func ValidateConfig(cfg Config) (*Config, error) {
	cfg.BaseDir = CleanAndExpandPath(cfg.BaseDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	if cfg.PortsFile != "" {
		cfg.PortsFile = CleanAndExpandPath(cfg.PortsFile)
	}

	if err := os.MkdirAll(cfg.BaseDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create base dir: %w", err)
	}

	if cfg.Instances < 1 {
		return nil, fmt.Errorf("instances must be positive, got %d",
			cfg.Instances)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batchsize must be positive, got %d",
			cfg.BatchSize)
	}
	if cfg.BatchSize > cfg.Instances {
		cfg.BatchSize = cfg.Instances
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address must not be empty")
	}

	return &cfg, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// defaultBaseDir returns the default data directory under the user's home.
func defaultBaseDir() string {
	u, err := user.Current()
	if err != nil {
		return defaultBaseDirname
	}

	return filepath.Join(u.HomeDir, defaultBaseDirname)
}
