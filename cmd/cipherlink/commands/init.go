package commands

import (
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or load the identity and register this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := ready(cmd.Context())
			if err != nil {
				return err
			}
			fp, err := client.Identity.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			out("State: %s\nDevice: %s\nFingerprint: %s\n", res.State, res.Registration.Address(), fp)
			return nil
		},
	}
}
