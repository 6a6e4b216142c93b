// Package protocol connects device workers to their physical devices.
//
// The gateway does not speak the device wire protocol itself. A protocol
// agent does the framing and encryption and exposes each device over a
// WebSocket JSON API:
//
//	→ {"id":"…","method":"connect","device":{"deviceid":"bf12ab","localkey":"…","ip":"192.168.1.20","protocol":"3.3","pref_status_cmd":10}}
//	← {"id":"…","result":{}}
//	← {"event":"connected","connected":true}
//	→ {"id":"…","method":"status","params":{"command":10}}
//	← {"id":"…","result":{"dps":{"1":true,"2":455}}}
//	→ {"id":"…","method":"set_state","params":{"dp":1,"value":false}}
//	← {"event":"status","dps":{"1":false},"via":"command"}
//
// Each Session owns one connection and reconnects with exponential backoff
// until closed. Handlers run on the session goroutine; callers must hand
// events off rather than do work in them.
package protocol
