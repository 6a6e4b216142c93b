package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// measurementDataPoint is the measurement every data point sample lands in.
const measurementDataPoint = "datapoint"

// WriteDataPoint records one data point value.
//
// Numbers are written as float fields, booleans as 0/1. Strings and other
// shapes are not time series and are skipped.
//
// Parameters:
//   - deviceID: Tuya device id, written as the device_id tag
//   - dp: data point id, written as the dp tag
//   - via: "device" or "bus", the source of the value
//   - value: sanitized data point value
//
// Returns:
//   - bool: true if a point was queued; writes are batched and non-blocking
//
// Example:
//
//	client.WriteDataPoint("bf12ab", 20, "device", true)
//	client.WriteDataPoint("bf12ab", 22, "bus", 455)
func (c *Client) WriteDataPoint(deviceID string, dp int, via string, value any) bool {
	if !c.IsConnected() {
		return false
	}

	numeric, ok := numericValue(value)
	if !ok {
		return false
	}

	point := write.NewPoint(
		measurementDataPoint,
		map[string]string{
			"device_id": deviceID,
			"dp":        strconv.Itoa(dp),
			"via":       via,
		},
		map[string]interface{}{
			"value": numeric,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
	return true
}

// numericValue converts sanitized data point values to a float field.
func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		return 0, false
	}
}
