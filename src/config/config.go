package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/shardcast/src/common"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultValidatorsFile is the default name of the file containing the
	// genesis validator set: ids, addresses, zones and stakes.
	DefaultValidatorsFile = "validators.json"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database where stake snapshots are persisted.
	DefaultBadgerFile = "badger_db"
)

// Wire codecs.
const (
	CodecMsgpack = "msgpack"
	CodecCBOR    = "cbor"
)

// Default configuration values.
const (
	DefaultLogLevel       = "debug"
	DefaultBindAddr       = "127.0.0.1:1337"
	DefaultServiceAddr    = "127.0.0.1:8000"
	DefaultTCPTimeout     = 1000 * time.Millisecond
	DefaultMaxPool        = 2
	DefaultWireCodec      = CodecMsgpack
	DefaultInboundRate    = 2000
	DefaultInboundBurst   = 4000
	DefaultStore          = false
	DefaultSmallThreshold = 1024
	DefaultLargeThreshold = 64 * 1024
	DefaultDataShards     = 10
	DefaultParityShards   = 5
	DefaultDirectFanout   = 4
	DefaultStakeWeight    = 0.7
	DefaultScoreWeight    = 0.3
	DefaultMaxZoneShare   = 0.34
	DefaultZoneAttempts   = 8
	DefaultScoreDecay     = 0.2
	DefaultLatencyPenalty = 0.5
	DefaultLatencyCeiling = 2 * time.Second
	DefaultRetryTimeout   = 500 * time.Millisecond
	DefaultBackoff        = 2.0
	DefaultMaxRetries     = 3
	DefaultInboundTimeout = 10 * time.Second
	DefaultMaxInFlight    = 1024
	DefaultDedupWindow    = 2 * time.Minute
	DefaultDedupCapacity  = 10000
)

// MaxShards is the largest total shard count supported by the erasure codec.
const MaxShards = 256

// Config contains all the configuration properties of a shardcast node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates the log output into a file.
	LogFile string `mapstructure:"log-file"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// ValidatorID is the id of this node in the validator set.
	ValidatorID string `mapstructure:"id"`

	// BindAddr is the local address:port where this node exchanges shard and
	// direct units with other validators.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// TCPTimeout is the timeout of a single unit exchange with a peer.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// MaxPool controls how many connections are pooled per target.
	MaxPool int `mapstructure:"max-pool"`

	// WireCodec selects the encoding of units on the wire: msgpack or cbor.
	WireCodec string `mapstructure:"wire-codec"`

	// InboundRate and InboundBurst bound the number of units per second
	// accepted on a single inbound connection.
	InboundRate  float64 `mapstructure:"inbound-rate"`
	InboundBurst int     `mapstructure:"inbound-burst"`

	// Store activates persistent storage of stake snapshots.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// SmallThreshold is the size, in bytes, under which a Critical message is
	// sent directly to every validator.
	SmallThreshold int `mapstructure:"small-threshold"`

	// LargeThreshold is the size, in bytes, above which Normal and Low
	// messages are erasure-coded and relayed.
	LargeThreshold int `mapstructure:"large-threshold"`

	// DataShards and ParityShards define the erasure code.
	DataShards   int `mapstructure:"data-shards"`
	ParityShards int `mapstructure:"parity-shards"`

	// DirectFanout is the number of highest-weight peers that receive the full
	// payload directly under the Hybrid strategy.
	DirectFanout int `mapstructure:"direct-fanout"`

	// StakeWeight and ScoreWeight split a peer's selection weight between its
	// stake fraction and its reliability score. They must sum to 1.
	StakeWeight float64 `mapstructure:"stake-weight"`
	ScoreWeight float64 `mapstructure:"score-weight"`

	// MaxZoneShare is the largest fraction of a committee that may be drawn
	// from a single network zone. ZoneAttempts is the number of resamples
	// before the constraint is relaxed for a slot.
	MaxZoneShare float64 `mapstructure:"max-zone-share"`
	ZoneAttempts int     `mapstructure:"zone-attempts"`

	// ScoreDecay is the EMA factor applied to each delivery outcome.
	ScoreDecay float64 `mapstructure:"score-decay"`

	// LatencyPenalty is the score lost by a successful delivery at or above
	// LatencyCeiling.
	LatencyPenalty float64       `mapstructure:"latency-penalty"`
	LatencyCeiling time.Duration `mapstructure:"latency-ceiling"`

	// RetryTimeout is the time a relay has to acknowledge its unit before a
	// substitute is asked. Each retry round multiplies it by Backoff.
	RetryTimeout time.Duration `mapstructure:"retry-timeout"`
	Backoff      float64       `mapstructure:"backoff"`
	MaxRetries   int           `mapstructure:"max-retries"`

	// InboundTimeout is the time an inbound erasure-coded message has to
	// become reconstructable.
	InboundTimeout time.Duration `mapstructure:"inbound-timeout"`

	// MaxInFlight bounds the number of concurrently tracked outbound
	// erasure-coded messages.
	MaxInFlight int `mapstructure:"max-in-flight"`

	// DedupWindow is how long finished message ids are remembered, and
	// DedupCapacity is how many of them at most.
	DedupWindow   time.Duration `mapstructure:"dedup-window"`
	DedupCapacity int           `mapstructure:"dedup-capacity"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:        DefaultDataDir(),
		LogLevel:       DefaultLogLevel,
		BindAddr:       DefaultBindAddr,
		ServiceAddr:    DefaultServiceAddr,
		TCPTimeout:     DefaultTCPTimeout,
		MaxPool:        DefaultMaxPool,
		WireCodec:      DefaultWireCodec,
		InboundRate:    DefaultInboundRate,
		InboundBurst:   DefaultInboundBurst,
		Store:          DefaultStore,
		DatabaseDir:    DefaultDatabaseDir(),
		SmallThreshold: DefaultSmallThreshold,
		LargeThreshold: DefaultLargeThreshold,
		DataShards:     DefaultDataShards,
		ParityShards:   DefaultParityShards,
		DirectFanout:   DefaultDirectFanout,
		StakeWeight:    DefaultStakeWeight,
		ScoreWeight:    DefaultScoreWeight,
		MaxZoneShare:   DefaultMaxZoneShare,
		ZoneAttempts:   DefaultZoneAttempts,
		ScoreDecay:     DefaultScoreDecay,
		LatencyPenalty: DefaultLatencyPenalty,
		LatencyCeiling: DefaultLatencyCeiling,
		RetryTimeout:   DefaultRetryTimeout,
		Backoff:        DefaultBackoff,
		MaxRetries:     DefaultMaxRetries,
		InboundTimeout: DefaultInboundTimeout,
		MaxInFlight:    DefaultMaxInFlight,
		DedupWindow:    DefaultDedupWindow,
		DedupCapacity:  DefaultDedupCapacity,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// Validate checks that the numeric thresholds are usable. It is called once at
// startup; none of these values are invariants of the protocol, but nodes that
// disagree on them will not agree on relay responsibilities.
func (c *Config) Validate() error {
	switch {
	case c.SmallThreshold <= 0:
		return fmt.Errorf("small-threshold must be positive, got %d", c.SmallThreshold)
	case c.LargeThreshold < c.SmallThreshold:
		return fmt.Errorf("large-threshold (%d) must not be below small-threshold (%d)", c.LargeThreshold, c.SmallThreshold)
	case c.DataShards <= 0:
		return fmt.Errorf("data-shards must be positive, got %d", c.DataShards)
	case c.ParityShards <= 0:
		return fmt.Errorf("parity-shards must be positive, got %d", c.ParityShards)
	case c.DataShards+c.ParityShards > MaxShards:
		return fmt.Errorf("data-shards + parity-shards must not exceed %d", MaxShards)
	case c.DirectFanout < 0:
		return fmt.Errorf("direct-fanout must not be negative, got %d", c.DirectFanout)
	case c.StakeWeight < 0 || c.ScoreWeight < 0:
		return fmt.Errorf("stake-weight and score-weight must not be negative")
	case abs(c.StakeWeight+c.ScoreWeight-1) > 1e-9:
		return fmt.Errorf("stake-weight + score-weight must equal 1, got %v", c.StakeWeight+c.ScoreWeight)
	case c.MaxZoneShare <= 0 || c.MaxZoneShare > 1:
		return fmt.Errorf("max-zone-share must be in (0, 1], got %v", c.MaxZoneShare)
	case c.ZoneAttempts < 0:
		return fmt.Errorf("zone-attempts must not be negative, got %d", c.ZoneAttempts)
	case c.ScoreDecay <= 0 || c.ScoreDecay > 1:
		return fmt.Errorf("score-decay must be in (0, 1], got %v", c.ScoreDecay)
	case c.LatencyPenalty < 0 || c.LatencyPenalty > 1:
		return fmt.Errorf("latency-penalty must be in [0, 1], got %v", c.LatencyPenalty)
	case c.LatencyCeiling <= 0:
		return fmt.Errorf("latency-ceiling must be positive")
	case c.RetryTimeout <= 0:
		return fmt.Errorf("retry-timeout must be positive")
	case c.Backoff < 1:
		return fmt.Errorf("backoff must be at least 1, got %v", c.Backoff)
	case c.MaxRetries < 0:
		return fmt.Errorf("max-retries must not be negative, got %d", c.MaxRetries)
	case c.InboundTimeout <= 0:
		return fmt.Errorf("inbound-timeout must be positive")
	case c.MaxInFlight <= 0:
		return fmt.Errorf("max-in-flight must be positive, got %d", c.MaxInFlight)
	case c.DedupWindow <= 0:
		return fmt.Errorf("dedup-window must be positive")
	case c.DedupCapacity <= 0:
		return fmt.Errorf("dedup-capacity must be positive, got %d", c.DedupCapacity)
	case c.WireCodec != CodecMsgpack && c.WireCodec != CodecCBOR:
		return fmt.Errorf("unknown wire-codec %q", c.WireCodec)
	}
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// SetDataDir sets the top-level directory, and updates the database directory
// if it is currently set to the default value.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// ValidatorsFile returns the full path of the genesis validators file.
func (c *Config) ValidatorsFile() string {
	return filepath.Join(c.DataDir, DefaultValidatorsFile)
}

// SetLogger replaces the logger returned by Logger.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// Logger returns a formatted logrus Entry, with prefix set to "shardcast".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "shardcast")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level shardcast
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Shardcast")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Shardcast")
		} else {
			return filepath.Join(home, ".shardcast")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
