package mqtt

import (
	"fmt"
	"strconv"

	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
)

// Device subtopics.
const (
	SubtopicCommand      = "command"
	SubtopicState        = "state"
	SubtopicAttributes   = "attributes"
	SubtopicAvailability = "availability"
)

// Topics provides builders for the gateway's MQTT topic conventions.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.NewTopics(cfg.General)
//	ns := topics.DiscoveredNamespace("bf12ab")
//	// Returns: "tuya/bf12ab"
//	topics.DataPoint(ns, 1, mqtt.SubtopicState)
//	// Returns: "tuya/bf12ab/1/state"
type Topics struct {
	// Root prefixes device topics (e.g. "tuya").
	Root string

	// DiscoveryRoot prefixes descriptors and component configs (e.g. "tuyagateway").
	DiscoveryRoot string

	// HomeAssistantRoot prefixes data point discovery configs (e.g. "homeassistant").
	HomeAssistantRoot string
}

// NewTopics builds the topic helpers from the general configuration.
func NewTopics(cfg config.GeneralConfig) Topics {
	return Topics{
		Root:              cfg.TopicRoot,
		DiscoveryRoot:     cfg.DiscoveryRoot,
		HomeAssistantRoot: cfg.HomeAssistantRoot,
	}
}

// =============================================================================
// Device Namespaces
// =============================================================================

// LegacyNamespace returns the base topic of a topic-encoded device.
//
// Example: tuya/3.3/bf12ab/0123456789abcdef/192.168.1.20
func (t Topics) LegacyNamespace(protocol, deviceID, localKey, address string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", t.Root, protocol, deviceID, localKey, address)
}

// DiscoveredNamespace returns the base topic of a discovery-sourced device.
//
// Example: tuya/bf12ab
func (t Topics) DiscoveredNamespace(deviceID string) string {
	return fmt.Sprintf("%s/%s", t.Root, deviceID)
}

// Device returns a device-level subtopic.
//
// Example: tuya/bf12ab/attributes
func (Topics) Device(namespace, subtopic string) string {
	return namespace + "/" + subtopic
}

// DataPoint returns a data-point-level subtopic.
//
// Example: tuya/bf12ab/1/state
func (Topics) DataPoint(namespace string, dp int, subtopic string) string {
	return namespace + "/" + strconv.Itoa(dp) + "/" + subtopic
}

// =============================================================================
// Gateway Topics
// =============================================================================

// GatewayStatus returns the gateway's own availability topic.
//
// Example: tuyagateway/status
func (t Topics) GatewayStatus() string {
	return t.DiscoveryRoot + "/status"
}

// =============================================================================
// Wildcard Subscriptions
// =============================================================================

// GatewaySubscriptions returns the filters the shared gateway session listens on.
func (t Topics) GatewaySubscriptions() []string {
	return []string{
		t.Root + "/#",
		t.HomeAssistantRoot + "/#",
		t.DiscoveryRoot + "/#",
	}
}

// AllUnder returns a multi-level wildcard below a namespace.
//
// Example: tuya/bf12ab/#
func (Topics) AllUnder(namespace string) string {
	return namespace + "/#"
}
