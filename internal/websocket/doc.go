// Package websocket streams license snapshots to browsers.
//
// A Hub subscribes to the license controller and forwards every published
// snapshot as a "license:snapshot" message. Each message carries the
// activation flag computed for the connected principal, so pages can open
// or close the activation dialog without polling.
package websocket
