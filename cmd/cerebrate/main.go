package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/cerebrate/internal/config"
)

const defaultConfig = "cerebrate.toml"

func main() {
	var (
		cfgPath string
		output  string
	)

	root := &cobra.Command{
		Use:           "cerebrate",
		Short:         "Peer coordination for a hive of home nodes",
		Version:       config.Default().Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfig, "Path to cerebrate.toml")
	root.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")

	load := func(cmd *cobra.Command) (config.Config, error) {
		return loadConfig(cfgPath, cmd.Flags().Changed("config"))
	}

	root.AddCommand(runCmd(load))
	root.AddCommand(peersCmd(load, &output))
	root.AddCommand(resourcesCmd(load, &output))
	root.AddCommand(pingCmd(load))
	root.AddCommand(wakeCmd())
	root.AddCommand(versionCmd(load))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

// loadConfig reads path. A missing default file means built-in defaults; a
// missing file the user named is an error.
func loadConfig(path string, explicit bool) (config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Config{}, err
}
