package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func versionCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the configured cerebrate version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Name == "" {
				fmt.Printf("cerebrate %s\n", cfg.Version)
				return nil
			}
			fmt.Printf("cerebrate %s %s\n", cfg.Version, muted("("+cfg.Name+")"))
			return nil
		},
	}
}
