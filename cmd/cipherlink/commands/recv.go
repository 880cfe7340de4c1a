package commands

import (
	"time"

	"github.com/spf13/cobra"

	"cipherlink/internal/services/decrypt"
)

// recv <messageId>...: fetch and decrypt the copies addressed to this device.
func recvCmd() *cobra.Command {
	var (
		sent  bool
		retry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recv <messageId>...",
		Short: "Fetch and decrypt messages addressed to this device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := ready(ctx); err != nil {
				return err
			}
			msgs := make([]decrypt.Message, len(args))
			for i, id := range args {
				msgs[i] = decrypt.Message{ID: id, Sent: sent, Encrypted: true}
			}
			results, err := client.Messages.Receive(ctx, msgs)
			if err != nil {
				return err
			}
			if retry > 0 {
				time.Sleep(retry)
				retried, err := client.Messages.Retry(ctx, msgs)
				if err != nil {
					return err
				}
				byID := make(map[string]decrypt.Result, len(retried))
				for _, r := range retried {
					byID[r.MessageID] = r
				}
				for i, r := range results {
					if n, ok := byID[r.MessageID]; ok {
						results[i] = n
					}
				}
			}
			for _, r := range results {
				out("[%s] %s\n", r.MessageID, r.Text)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sent, "sent", false, "the messages were sent by you")
	cmd.Flags().DurationVar(&retry, "retry-after", 0, "wait and retry transient failures once (e.g. 4s)")
	return cmd
}
