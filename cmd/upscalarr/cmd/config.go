package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// configCmd prints the effective configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  "Print the merged configuration from defaults, config file, environment variables, and flags.",
	RunE: func(_ *cobra.Command, _ []string) error {
		output, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("rendering config: %w", err)
		}
		fmt.Println(string(output))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
