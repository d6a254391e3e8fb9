package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"opsconsole/internal/license"
)

func newActivateCmd(c *cli) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "activate KEY",
		Short: "Activate a license key with the licensing authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := license.ValidateKeyFormat(args[0])
			if err != nil {
				return err
			}
			req := license.ActivationRequest{LicenseKey: key}
			if cmd.Flags().Changed("days") {
				if days < 1 {
					return fmt.Errorf("--days must be at least 1")
				}
				req.DurationDays = &days
			}

			client, err := c.licenseClient(cmd)
			if err != nil {
				return err
			}
			res, err := client.Activate(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("activate %s: %w", license.MaskLicenseKey(key), err)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "custom license duration in days")
	return cmd
}
