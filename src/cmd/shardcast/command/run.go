package command

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/shardcast/src/config"
	"github.com/mosaicnetworks/shardcast/src/shardcast"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

//NewRunCmd returns the command that starts a shardcast node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runShardcast,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runShardcast(cmd *cobra.Command, args []string) error {
	engine := shardcast.NewShardcast(&_config.Shardcast)

	if err := engine.Init(); err != nil {
		_config.Shardcast.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigintCh
		_config.Shardcast.Logger().Debug("Reacting to SIGINT")
		engine.Shutdown()
	}()

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	c := &_config.Shardcast

	cmd.Flags().String("datadir", c.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", c.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", c.LogFile, "Also write the log to this file")
	cmd.Flags().String("moniker", c.Moniker, "Optional name")
	cmd.Flags().String("id", c.ValidatorID, "Id of this node in the validator set")

	// Network
	cmd.Flags().StringP("listen", "l", c.BindAddr, "Listen IP:Port for shardcast node")
	cmd.Flags().StringP("advertise", "a", c.AdvertiseAddr, "Advertise IP:Port for shardcast node")
	cmd.Flags().DurationP("timeout", "t", c.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", c.MaxPool, "Connection pool size max")
	cmd.Flags().String("wire-codec", c.WireCodec, "Encoding of units on the wire: msgpack or cbor")
	cmd.Flags().Float64("inbound-rate", c.InboundRate, "Units per second accepted on an inbound connection (0 for no limit)")
	cmd.Flags().Int("inbound-burst", c.InboundBurst, "Burst of units accepted on an inbound connection")

	// Service
	cmd.Flags().Bool("no-service", c.NoService, "Disable HTTP service")
	cmd.Flags().StringP("service-listen", "s", c.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", c.Store, "Persist stake snapshots in badgerDB")
	cmd.Flags().String("db", c.DatabaseDir, "Dabatabase directory")

	// Classification
	cmd.Flags().Int("small-threshold", c.SmallThreshold, "Size under which Critical messages are sent directly")
	cmd.Flags().Int("large-threshold", c.LargeThreshold, "Size above which Normal and Low messages are erasure-coded")

	// Relays
	cmd.Flags().Int("data-shards", c.DataShards, "Number of data shards")
	cmd.Flags().Int("parity-shards", c.ParityShards, "Number of parity shards")
	cmd.Flags().Int("direct-fanout", c.DirectFanout, "Number of direct recipients of Hybrid messages")
	cmd.Flags().Float64("stake-weight", c.StakeWeight, "Weight of the stake fraction in relay selection")
	cmd.Flags().Float64("score-weight", c.ScoreWeight, "Weight of the reliability score in relay selection")
	cmd.Flags().Float64("max-zone-share", c.MaxZoneShare, "Largest share of a committee drawn from one zone")
	cmd.Flags().Int("zone-attempts", c.ZoneAttempts, "Resamples before the zone constraint is relaxed")

	// Scores
	cmd.Flags().Float64("score-decay", c.ScoreDecay, "Weight of the latest outcome in reliability scores")
	cmd.Flags().Float64("latency-penalty", c.LatencyPenalty, "Score lost by a delivery at the latency ceiling")
	cmd.Flags().Duration("latency-ceiling", c.LatencyCeiling, "Latency at which the full penalty applies")

	// Delivery
	cmd.Flags().Duration("retry-timeout", c.RetryTimeout, "Time a relay has to acknowledge a unit")
	cmd.Flags().Float64("backoff", c.Backoff, "Multiplier of the retry timeout at each round")
	cmd.Flags().Int("max-retries", c.MaxRetries, "Retry rounds before a message is finalized")
	cmd.Flags().Duration("inbound-timeout", c.InboundTimeout, "Time an inbound message has to become reconstructable")
	cmd.Flags().Int("max-in-flight", c.MaxInFlight, "Max concurrently tracked erasure-coded messages")
	cmd.Flags().Duration("dedup-window", c.DedupWindow, "How long finished messages are remembered")
	cmd.Flags().Int("dedup-capacity", c.DedupCapacity, "How many finished messages are remembered")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	c := &_config.Shardcast

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	c.SetDataDir(c.DataDir)

	c.SetLogger(newLogger(c))

	logFields := logrus.Fields{
		"shardcast.DataDir":        c.DataDir,
		"shardcast.ValidatorID":    c.ValidatorID,
		"shardcast.BindAddr":       c.BindAddr,
		"shardcast.AdvertiseAddr":  c.AdvertiseAddr,
		"shardcast.ServiceAddr":    c.ServiceAddr,
		"shardcast.NoService":      c.NoService,
		"shardcast.MaxPool":        c.MaxPool,
		"shardcast.WireCodec":      c.WireCodec,
		"shardcast.Store":          c.Store,
		"shardcast.LogLevel":       c.LogLevel,
		"shardcast.Moniker":        c.Moniker,
		"shardcast.TCPTimeout":     c.TCPTimeout,
		"shardcast.SmallThreshold": c.SmallThreshold,
		"shardcast.LargeThreshold": c.LargeThreshold,
		"shardcast.DataShards":     c.DataShards,
		"shardcast.ParityShards":   c.ParityShards,
		"shardcast.DirectFanout":   c.DirectFanout,
		"shardcast.RetryTimeout":   c.RetryTimeout,
		"shardcast.MaxRetries":     c.MaxRetries,
		"shardcast.MaxInFlight":    c.MaxInFlight,
	}

	if c.Store {
		logFields["shardcast.DatabaseDir"] = c.DatabaseDir
	}

	c.Logger().WithFields(logFields).Debug("RUN")

	return c.Validate()
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/shardcast.toml (.json, .yaml also work)
	viper.SetConfigName("shardcast")
	viper.AddConfigPath(_config.Shardcast.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Shardcast.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Shardcast.Logger().Debugf("No config file found in: %s", _config.Shardcast.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// newLogger builds the node's logger. With --log-file, every entry at or above
// the configured level is also written to the file.
func newLogger(c *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.Level = config.LogLevel(c.LogLevel)
	logger.Formatter = new(prefixed.TextFormatter)

	if c.LogFile == "" {
		return logger
	}

	f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		logger.WithError(err).Warnf("Failed to open %s, using default stderr", c.LogFile)
		return logger
	}
	f.Close()

	pathMap := lfshook.PathMap{}
	for _, level := range logrus.AllLevels {
		if level <= logger.Level {
			pathMap[level] = c.LogFile
		}
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}
