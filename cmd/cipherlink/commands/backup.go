package commands

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// backupPassword reads the backup password from --password or
// CIPHERLINK_BACKUP_PASSWORD.
func backupPassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if pw := os.Getenv("CIPHERLINK_BACKUP_PASSWORD"); pw != "" {
		return pw, nil
	}
	return "", errors.New("backup password required (--password or CIPHERLINK_BACKUP_PASSWORD)")
}

func backupCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Upload a password-encrypted backup of your identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := backupPassword(password)
			if err != nil {
				return err
			}
			if _, err := ready(cmd.Context()); err != nil {
				return err
			}
			if err := client.Backup.CreateBackup(cmd.Context(), pw); err != nil {
				return err
			}
			out("Backup uploaded\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "backup password")
	return cmd
}

func restoreCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore your identity key from the server backup on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := backupPassword(password)
			if err != nil {
				return err
			}
			res, err := client.Restore(cmd.Context(), pw)
			if err != nil {
				return err
			}
			out("Restored. Device: %s\n", res.Registration.Address())
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "backup password")
	return cmd
}
