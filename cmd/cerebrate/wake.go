package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/cerebrate/pkg/transport"
)

func wakeCmd() *cobra.Command {
	var broadcast string
	cmd := &cobra.Command{
		Use:   "wake <mac>",
		Short: "Send a wake-on-LAN magic packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := transport.Wake(cmd.Context(), args[0], broadcast); err != nil {
				return err
			}
			fmt.Println(successMsg("magic packet sent to %s", accent(args[0])))
			return nil
		},
	}
	cmd.Flags().StringVar(&broadcast, "broadcast", "", "broadcast host (default 255.255.255.255)")
	return cmd
}
