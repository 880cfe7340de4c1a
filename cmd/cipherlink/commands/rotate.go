package commands

import (
	"github.com/spf13/cobra"
)

func rotateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signed prekey if due and top up one-time prekeys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := ready(ctx); err != nil {
				return err
			}
			rotated := force
			if force {
				if err := client.Devices.RotateSignedPreKey(ctx); err != nil {
					return err
				}
			} else {
				var err error
				if rotated, err = client.Devices.MaybeRotateSignedPreKey(ctx); err != nil {
					return err
				}
			}
			n, err := client.Devices.ReplenishPreKeysIfNeeded(ctx)
			if err != nil {
				return err
			}
			out("Signed prekey rotated: %t\nOne-time prekeys uploaded: %d\n", rotated, n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rotate even if the signed prekey is fresh")
	return cmd
}
