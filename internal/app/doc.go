// Package app wires the console together and owns its lifecycle.
//
// # Initialization Flow
//
// New builds every component from a loaded config.Config:
//
//	1. OpenTelemetry providers (tracer, meter, optional Prometheus registry)
//	2. The licensing authority client and the license controller
//	3. The gate renderer and the per-principal activation dialogs
//	4. The websocket hub that pushes license snapshots to browsers
//	5. HTTP handlers, middleware and the chi router
//
// # Usage
//
//	application, err := app.New(cfg, logger, app.Options{})
//	if err != nil {
//	    return err
//	}
//	return application.RunUntilSignal()
//
// # Graceful Shutdown
//
// When the run context is cancelled the HTTP server drains first, then the
// license controller is disposed (closing every snapshot subscription) and
// finally telemetry is flushed.
package app
