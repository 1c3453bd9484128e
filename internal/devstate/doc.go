// Package devstate tracks auxiliary device state (pumps, baths, probes).
//
// Device-side agents publish retained snapshots on their state topics; this
// package caches the last-known snapshot per device for operator queries
// and optionally forwards numeric fields to the telemetry sink. Devices
// have no reservation semantics: snapshots are informational only.
package devstate
