package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch the license status from the licensing authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.licenseClient(cmd)
			if err != nil {
				return err
			}
			snap, err := client.FetchStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch license status: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		},
	}
}
