package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteDeviceSnapshot writes one auxiliary device snapshot as a point on
// the device_state measurement, tagged by device name. The numeric fields
// come straight from the snapshot (e.g. ph, temperature_c, flow_ml_min).
//
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) WriteDeviceSnapshot(name string, fields map[string]float64, timestamp time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	pointFields := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		pointFields[k] = v
	}

	c.writeAPI.WritePoint(write.NewPoint(
		"device_state",
		map[string]string{"device": name},
		pointFields,
		timestamp,
	))
}

// WritePoint writes a custom point for measurements that don't fit the
// device snapshot shape.
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
