package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/internal/app"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "x402-gateway %s (x402 protocol v%d)\n", app.Version, x402.X402Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
