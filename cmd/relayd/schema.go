package main

import (
	"encoding/json"
	"fmt"

	relay "github.com/ggoodman/session-relay"
	"github.com/ggoodman/session-relay/events"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [event|command]",
		Short:     "Print the JSON schema of bus messages",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"event", "command"},
		RunE: func(cmd *cobra.Command, args []string) error {
			which := "event"
			if len(args) == 1 {
				which = args[0]
			}
			s := events.Schema()
			if which == "command" {
				s = jsonschema.Reflect(&relay.Command{})
			}
			out, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}
