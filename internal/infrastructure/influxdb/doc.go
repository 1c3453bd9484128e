// Package influxdb provides the optional telemetry sink for auxiliary
// device state.
//
// It wraps the official influxdb-client-go v2 library: token-auth
// connection with a startup ping, non-blocking batched writes, and a health
// check for the host's startup verification. Device snapshots (pH, bath
// temperature, pump state) arriving on the device state topics are written
// as points so operators can chart them next to experiment runs.
//
// The sink is disabled by default; the host runs fine without it and write
// errors never affect broker behaviour.
package influxdb
