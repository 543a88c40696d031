package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementValue is the measurement every relayed value is written to.
const MeasurementValue = "ble_value"

// WriteValue records one published characteristic value, tagged by device
// and characteristic. Only numeric and boolean values are written (booleans
// as 0 or 1); anything else is silently skipped. Non-blocking.
func (c *Client) WriteValue(deviceID, characteristic string, value any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	f, ok := fieldValue(value)
	if !ok {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	point := write.NewPoint(
		MeasurementValue,
		map[string]string{
			"device_id":      deviceID,
			"characteristic": characteristic,
		},
		map[string]any{"value": f},
		ts,
	)
	c.writeAPI.WritePoint(point)
}

// fieldValue converts codec values to a float field.
func fieldValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
