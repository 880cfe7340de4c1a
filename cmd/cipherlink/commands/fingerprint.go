package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cipherlink/internal/domain"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint [address]",
		Short: "Print your identity fingerprint, or the one recorded for a peer device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 {
				fp, err := client.Identity.Fingerprint(ctx)
				if err != nil {
					return err
				}
				out("Fingerprint: %s\n", fp)
				return nil
			}
			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			fp, ok, err := client.Identity.PeerFingerprint(ctx, addr)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no identity recorded for %s", addr)
			}
			out("%s: %s\n", addr, fp)
			return nil
		},
	}
}
