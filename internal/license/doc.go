// Package license enforces commercial licensing for the operations console.
//
// # Architecture Overview
//
//	- Client: the only component that talks to the licensing authority
//	- Store: process-wide snapshot, replaced atomically and fanned out to subscribers
//	- Controller: polls the authority, fails open on transport errors and runs activations
//	- Authorize: pure decision function mapping a snapshot, principal and request to a verdict
//
// # Lifecycle
//
// A Controller starts in Init. Start moves it to Fetching and schedules a
// poll every five minutes by default. A poll that fires while a fetch or
// activation is in flight is dropped. Once the authority answers the
// controller settles; Activate is only accepted while settled.
//
//	Init -> Fetching -> Settled -> Fetching | Activating -> Settled
//	any state -> Disposed (Stop)
//
// # Fail-open
//
// When the authority cannot be reached the store receives a synthetic snapshot
// with status unknown that is nonetheless valid, so an outage never locks
// users out. It is replaced by the next successful fetch.
//
// # Exemptions
//
// Principals matched by the ExemptionPolicy (staff domains or individual
// addresses) are licensed for everything and never see the activation
// dialog.
//
// # Usage
//
//	client, err := license.NewClient(license.DefaultClientConfig(url), logger)
//	if err != nil {
//		return err
//	}
//	ctrl := license.NewController(client, license.ControllerConfig{}, logger)
//	if err := ctrl.Start(ctx); err != nil {
//		return err
//	}
//	defer ctrl.Stop()
//
//	if v := ctrl.IsModuleLicensed(ctx, "reports"); !v.Licensed {
//		// render the degraded overlay with v.Message
//	}
package license
