package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/catalog"
	"github.com/mark3labs/x402-gateway/config"
)

var routesPath string

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the priced routes",
	Long: `Print every priced route with the payments it accepts.

The route file is taken from --routes, or from the config file when the flag is absent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := routesPath
		if path == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			path = cfg.Routes
		}

		cat, err := catalog.LoadFile(path)
		if err != nil {
			return err
		}
		return printRoutes(cmd, cat)
	},
}

func printRoutes(cmd *cobra.Command, cat *catalog.Catalog) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tSCHEME\tNETWORK\tPRICE\tATOMIC\tASSET\tPAY TO")
	for _, r := range cat.Routes() {
		for _, req := range r.Requirements {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Pattern, req.Scheme, req.Network, x402.FormatAmount(req), req.MaxAmountRequired, req.Asset, req.PayTo)
		}
	}
	return tw.Flush()
}

func init() {
	routesCmd.Flags().StringVar(&routesPath, "routes", "", "route file path")
	rootCmd.AddCommand(routesCmd)
}
