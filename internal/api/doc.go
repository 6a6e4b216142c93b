// Package api provides the read-only HTTP status API for the gateway.
//
// It reports the registered device workers, their lifecycle state and the
// last snapshot each worker published, along with process metrics. Nothing
// here changes device state; commands travel over MQTT only.
//
// Endpoints:
//
//	GET /api/v1/health        liveness and shared MQTT session state
//	GET /api/v1/metrics       runtime, database and worker counts
//	GET /api/v1/devices       every registered device
//	GET /api/v1/devices/{id}  one device, 404 when unknown
//
// Requests are answered by the gateway supervisor's dispatch goroutine, so
// a listing is a consistent view of the registry at one instant.
package api
