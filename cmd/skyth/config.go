package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oscillatelabsllc/skyth/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "skyth.yaml"
		if len(args) > 0 {
			path = args[0]
		}
		if err := config.WriteDefaults(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		redacted := *cfg
		for _, s := range []*string{
			&redacted.LLM.APIKey,
			&redacted.TTS.APIKey,
			&redacted.Auth.SessionSecret,
			&redacted.Auth.Google.ClientSecret,
		} {
			if *s != "" {
				*s = "********"
			}
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(redacted)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
}
