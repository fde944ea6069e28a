package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nutriparse/src/log"
)

var rootCmd = &cobra.Command{
	Use:   "nutriparse",
	Short: "PDF parsing service for nutrition documents",
	Long: `nutriparse ingests PDFs of nutrition labels, recipes and dietary
guides, parses them into structured records and serves the results over
an HTTP API. Parsing runs inline for small synchronous requests or on a
pool of queue-backed workers for everything else.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("log.production") {
			log.UseProduction()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
