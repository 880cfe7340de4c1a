package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cipherlink/internal/domain"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices [username]",
		Short: "List devices of a user (default: your own)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := ready(ctx)
			if err != nil {
				return err
			}
			var devices []domain.DeviceInfo
			if len(args) == 1 {
				devices, err = client.Devices.GetUserDevices(ctx, domain.Username(args[0]))
			} else {
				devices, err = client.Devices.MyDevices(ctx)
			}
			if err != nil {
				return err
			}
			for _, d := range devices {
				marker := " "
				if len(args) == 0 && d.DeviceID == res.Registration.DeviceID {
					marker = "*"
				}
				out("%s %d\t%s\tlast seen %s\n", marker, d.DeviceID, d.DeviceName, d.LastSeenAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <deviceId>",
		Short: "Unregister one of your devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("device id %q: %w", args[0], err)
			}
			if _, err := ready(cmd.Context()); err != nil {
				return err
			}
			if err := client.Devices.UnregisterDevice(cmd.Context(), domain.DeviceID(n)); err != nil {
				return err
			}
			out("Device %d removed\n", n)
			return nil
		},
	})
	return cmd
}
