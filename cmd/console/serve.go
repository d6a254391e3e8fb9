package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"opsconsole/internal/app"
	"opsconsole/internal/infrastructure"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := infrastructure.InitializeLogger(c.cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = infrastructure.CloseLogFile() }()

			application, err := app.New(c.cfg, logger, app.Options{})
			if err != nil {
				logger.Error("Failed to initialize application", slog.String("error", err.Error()))
				return err
			}
			return application.RunUntilSignal()
		},
	}
}
