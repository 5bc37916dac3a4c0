package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "portalctl",
	Short:         "Operate the query portal session store",
	Long:          "portalctl runs migrations, purges dead tokens and manages user sessions of the query portal.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
