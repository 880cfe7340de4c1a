package commands

import (
	"github.com/spf13/cobra"

	"cipherlink/internal/domain"
)

// send <peer> <message>: encrypt for every device of <peer> and upload.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to every device of a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ready(cmd.Context()); err != nil {
				return err
			}
			res, err := client.Messages.Send(cmd.Context(), domain.Username(args[0]), []byte(args[1]))
			for _, f := range res.FailedDevices {
				out("skipped device %d: %s\n", f.DeviceID, f.Error)
			}
			if err != nil {
				return err
			}
			out("Sent %s to %d device(s)\n", res.MessageID, len(res.Ciphertexts))
			return nil
		},
	}
}
