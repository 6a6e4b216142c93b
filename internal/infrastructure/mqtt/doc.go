// Package mqtt provides MQTT client connectivity for the gateway.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) per session
//   - Topic builders for the legacy and discovery conventions
//
// # Architecture
//
// The gateway holds one shared session for discovery, configuration and
// legacy command traffic. Every device worker opens its own session whose
// Last Will marks that device offline, so a crashed gateway leaves every
// device's availability topic at "offline".
//
//	devices ↔ protocol agent ↔ gateway workers ↔ MQTT broker ↔ Home Assistant
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithStatus(topics.GatewayStatus(), "online", "offline"))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	for _, filter := range topics.GatewaySubscriptions() {
//	    client.Subscribe(filter, 0, handler)
//	}
package mqtt
