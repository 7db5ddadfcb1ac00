package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"btaudio/internal/ipcclient"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, err := ctx.socketPath()
			if err != nil {
				return err
			}

			running := "yes"
			client, err := ipcclient.Dial(socket)
			if err != nil {
				running = "no"
			} else {
				_ = client.Close()
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"FIELD", "VALUE"},
				[][]string{
					{"Running", running},
					{"Socket", socket},
				}))
			if running == "no" {
				return wrapDialError(err, socket)
			}
			return nil
		},
	}
}
