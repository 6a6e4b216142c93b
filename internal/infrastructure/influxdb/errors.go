package influxdb

import "errors"

// Sentinel errors for the telemetry sink.
//
// Write failures are reported asynchronously through SetOnError, wrapped
// in ErrWriteFailed:
//
//	client.SetOnError(func(err error) {
//	    if errors.Is(err, influxdb.ErrWriteFailed) {
//	        // Batch was dropped by the server or the transport
//	    }
//	})
var (
	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed means the startup ping failed or the server
	// reported itself unhealthy.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps every error delivered to the SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrDisabled means telemetry is switched off; callers run without a sink.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
