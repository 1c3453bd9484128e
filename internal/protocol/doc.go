// Package protocol defines the wire messages exchanged between the echem
// host and workflow clients over MQTT.
//
// All messages are JSON. The transport delivers at-least-once (QoS 1), so
// every message carries enough identity (client id, lease id, invocation id)
// for receivers to handle redelivery idempotently.
//
// Message flow:
//
//	client -> reserve/request -> broker
//	broker -> reserve/grant   -> clients (granted/queued/denied/revoked/renewed)
//	client -> invoke/request  -> broker
//	broker -> invoke/status   -> clients (progress stream + one terminal status)
//	client -> reserve/release -> broker
//
// Retained topics (reserve/state, device state, presence, client status)
// carry last-known-state snapshots rather than protocol events.
package protocol
