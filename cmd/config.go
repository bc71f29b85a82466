package cmd

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/trncs/relayerd/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Aliases: []string{"cfg"},
		Short:   "Manage the configuration file",
	}
	cmd.AddCommand(
		configInitCmd(),
		configShowCmd(),
	)
	return cmd
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "init",
		Aliases: []string{"i"},
		Short:   "Write a default configuration file to --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return errors.Newf("config already exists: %s", configPath)
			}
			out, err := yaml.Marshal(config.DefaultConfig())
			if err != nil {
				return err
			}
			return os.WriteFile(configPath, out, 0o600)
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "show",
		Aliases: []string{"s"},
		Short:   "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
