package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relayd",
		Short:        "Relay live and recorded training sessions to observers",
		Long:         "relayd consumes session events from the bus, fans them out to connected observers, replays recorded logs and keeps corrections to them. It is configured through RELAY_* environment variables.",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newSchemaCmd())
	return root
}
