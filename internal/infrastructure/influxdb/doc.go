// Package influxdb provides optional InfluxDB telemetry for the gateway.
//
// When enabled, every changed numeric or boolean data point value is
// written to the "datapoint" measurement, tagged with device id, data
// point id and the origin of the value. The MQTT state topics remain the
// source of truth; telemetry is history only.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	client.WriteDataPoint("bf12ab", 1, "device", true)
package influxdb
