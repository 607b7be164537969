package command

import (
	"github.com/mosaicnetworks/shardcast/src/config"
)

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	Shardcast config.Config `mapstructure:",squash"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Shardcast: *config.NewDefaultConfig(),
	}
}
