package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orcha/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify orcha configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/orcha/config.yaml
Project-specific overrides can be placed in .orcha.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		out := cmd.OutOrStdout()
		switch len(args) {
		case 0:
			displayAllConfig(cmd, cfg)
			return nil
		case 1:
			value, err := config.Get(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, value)
			return nil
		default:
			updated, err := config.Set(cfg, args[0], args[1])
			if err != nil {
				return err
			}
			if err := config.Save(updated); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Fprintf(out, "Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

// displayAllConfig prints every setting in key order.
func displayAllConfig(cmd *cobra.Command, cfg *config.Config) {
	settings := config.Settings(cfg)
	keys := make([]string, 0, len(settings)+1)
	for k := range settings {
		keys = append(keys, k)
	}
	keys = append(keys, "anthropic.api_key")
	slices.Sort(keys)

	out := cmd.OutOrStdout()
	for _, k := range keys {
		v, _ := config.Get(cfg, k)
		fmt.Fprintf(out, "%s: %s\n", k, v)
	}
	fmt.Fprintf(out, "\nAPI key source: %s\n", config.GetAPIKeySource(cfg))
}
