package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/certhold/certhold/ca"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Work with backup bundles offline",
}

var backupValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Structurally check a backup bundle without importing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := validateBackupFile(args[0])
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		if !result.OK {
			os.Exit(1)
		}
		return nil
	},
}

func validateBackupFile(path string) (*ca.BackupValidationResult, error) {
	bundle, err := ca.LoadBackupFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading bundle: %w", err)
	}
	return ca.ValidateBackup(bundle), nil
}

func init() {
	backupCmd.AddCommand(backupValidateCmd)
	rootCmd.AddCommand(backupCmd)
}
