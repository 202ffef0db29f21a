// Command exchangectl is the operator CLI for the exchange ledger.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "exchangectl",
		Short:         "Operate the exchange ledger: migrations, fee rules, manual confirmation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (overrides CONFIG_FILE)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(feeRulesCmd())
	rootCmd.AddCommand(confirmCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
