package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for shardcast
var RootCmd = &cobra.Command{
	Use:              "shardcast",
	Short:            "stake-aware erasure-coded dissemination of consensus messages",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		NewValidatorCmd(),
		NewVersionCmd(),
	)
}

//Execute runs the root command and exits on error
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
