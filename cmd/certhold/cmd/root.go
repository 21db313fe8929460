package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "certhold",
	Short: "certhold is a local certificate authority manager",
	Long: `A personal certificate authority manager: issues, tracks, renews and
retires X.509 leaf certificates under one locally-managed root CA, keeping
private key material encrypted at rest behind a password.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: certhold.yaml in . or /etc/certhold)")
}
