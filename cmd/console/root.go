package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"opsconsole/internal/config"
	"opsconsole/internal/infrastructure"
	"opsconsole/internal/license"
)

// buildTime is set by the build script through -ldflags.
var buildTime = "dev"

// cli carries state shared by every subcommand.
type cli struct {
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "console",
		Short:         "Operations console with license enforcement",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(c),
		newStatusCmd(c),
		newActivateCmd(c),
		newVersionCmd(),
	)
	return root
}

// commandLogger keeps log output off stdout so command results stay
// machine-readable.
func (c *cli) commandLogger(cmd *cobra.Command) *slog.Logger {
	return infrastructure.NewLogger(c.cfg.Logging, cmd.ErrOrStderr())
}

func (c *cli) licenseClient(cmd *cobra.Command) (*license.Client, error) {
	lc := c.cfg.License
	return license.NewClient(license.ClientConfig{
		BaseURL:         lc.AuthorityURL,
		APIToken:        lc.APIToken,
		Timeout:         lc.Timeout,
		MaxRetries:      lc.MaxRetries,
		RetryBackoff:    lc.RetryBackoff,
		BreakerFailures: lc.BreakerFailures,
		BreakerTimeout:  lc.BreakerTimeout,
	}, c.commandLogger(cmd))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the console version",
		// config is not needed to print the version
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (built %s)\n", config.AppName, config.AppVersion, buildTime)
			return nil
		},
	}
}
