// Package worker runs one device per goroutine.
//
// A Worker owns a device.Device, an MQTT session of its own and a
// protocol session. MQTT and protocol callbacks never touch the device;
// they queue commands that the worker goroutine drains on a fixed tick:
//
//	paho goroutine ──┐
//	                 ├─► queue ─► worker goroutine ─► Device ─► publish
//	protocol events ─┘
//
// Discovery-sourced workers wait for their transform to become ready
// before opening any session, logging a warning once if that takes longer
// than Options.ReadinessTimeout. Topic-encoded workers start immediately and
// publish with the legacy conventions:
//
//	tuya/3.3/<id>/<key>/<ip>/<dp>/state       ON | OFF | value
//	tuya/3.3/<id>/<key>/<ip>/<dp>/attributes  {"dps":{…},"via":{…},"changed":{…}}
//	tuya/3.3/<id>/<key>/<ip>/attributes       aggregate over every data point
//	tuya/3.3/<id>/<key>/<ip>/availability     online | offline (retained)
package worker
