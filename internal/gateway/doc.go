// Package gateway supervises the device workers.
//
// The Supervisor listens on the shared MQTT session for four kinds of
// message and turns each into an event on its dispatch goroutine:
//
//	tuyagateway/discovery/<id>                    descriptor: replace the device's worker
//	tuyagateway/config/homeassistant/<component>  component value mapping
//	homeassistant/<component>/<id>_<dp>/config    data point discovery config
//	tuya/<proto>/<id>/<key>/<ip>[/<dp>]/command   first command to a topic-encoded device
//
// The dispatch goroutine is the only writer of the worker registry. It
// also persists worker snapshots on a timer and answers status requests.
package gateway
