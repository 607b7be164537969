// Package config defines the configuration for a shardcast node.
//
// Regardless of how shardcast is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. The numeric
// thresholds (message size cutoffs, selection weights, retry counts and
// backoff) are startup configuration checked by Config.Validate. Every
// validator of a network must run with the same values, otherwise they will
// not agree on which relays are responsible for a message.
//
// On top of these options, shardcast relies on a data directory, defined by
// Config.DataDir, where it expects to find:
//
//  validators.json // the genesis validator set (id, address, zone, stake).
//  shardcast.toml // (optional) configuration file read by the CLI.
package config
