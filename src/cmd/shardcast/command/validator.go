package command

import (
	"fmt"
	"os"

	"github.com/mosaicnetworks/shardcast/src/peers"
	"github.com/spf13/cobra"
)

var (
	validatorDataDir string
	validatorAddr    string
	validatorZone    string
	validatorStake   uint64
	validatorMoniker string
)

// NewValidatorCmd produces a ValidatorCmd which adds or replaces a validator
// in the validators file of a data directory.
func NewValidatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validator [id]",
		Short: "Add or update a validator in validators.json",
		Args:  cobra.ExactArgs(1),
		RunE:  writeValidator,
	}

	AddValidatorFlags(cmd)

	return cmd
}

//AddValidatorFlags adds flags to the validator command
func AddValidatorFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&validatorDataDir, "datadir", _config.Shardcast.DataDir, "Directory containing validators.json")
	cmd.Flags().StringVar(&validatorAddr, "addr", "", "IP:Port where the validator accepts units")
	cmd.Flags().StringVar(&validatorZone, "zone", "", "Network zone declared by the validator")
	cmd.Flags().Uint64Var(&validatorStake, "stake", 1, "Genesis stake of the validator")
	cmd.Flags().StringVar(&validatorMoniker, "moniker", "", "Optional name")
}

func writeValidator(cmd *cobra.Command, args []string) error {
	if validatorAddr == "" {
		return fmt.Errorf("--addr is required")
	}

	if err := os.MkdirAll(validatorDataDir, 0700); err != nil {
		return err
	}

	store := peers.NewJSONValidatorSet(validatorDataDir)

	set, err := store.ValidatorSet()
	switch {
	case os.IsNotExist(err) || (err == nil && set == nil):
		set, err = peers.NewValidatorSet(nil)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}

	v := peers.NewValidator(args[0], validatorAddr, validatorZone, validatorStake)
	v.Moniker = validatorMoniker

	if set, err = set.WithNewValidator(v); err != nil {
		return err
	}

	if err := store.Write(set.Validators); err != nil {
		return err
	}

	fmt.Printf("%d validators in %s\n", set.Len(), validatorDataDir)

	return nil
}
