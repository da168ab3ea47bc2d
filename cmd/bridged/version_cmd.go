package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/bridged/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bridged version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", version.Module(), version.Current(), version.GoVersion())
			return err
		},
	}
}
