package gateway

import (
	"bytes"
	"slices"
	"strings"

	"github.com/nerrad567/tuya-gateway/internal/device"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuya-gateway/internal/transform"
)

// Topic shapes seen on the shared session.
const (
	// discoveryParts is <groot>/discovery/<id>.
	discoveryParts = 3

	// componentParts is <groot>/config/<ha>/<component>.
	componentParts = 4

	// dataPointConfigParts is <ha>/<component>/<id>_<dp>/config.
	dataPointConfigParts = 4

	// legacyDeviceCommandParts is <root>/<proto>/<id>/<key>/<ip>/command.
	legacyDeviceCommandParts = 6

	// legacyCommandParts is <root>/<proto>/<id>/<key>/<ip>/<dp>/command.
	legacyCommandParts = 7
)

// componentSegments are accepted as the second segment of a component
// config topic. "transformer" is the spelling older publishers use.
var componentSegments = []string{"config", "transformer"}

// HandleMessage routes a message from the shared session onto the dispatch
// goroutine. It runs on paho's delivery goroutine and only queues work.
func (s *Supervisor) HandleMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	body := slices.Clone(payload)

	var fn func()
	switch {
	case parts[0] == s.cfg.General.DiscoveryRoot:
		fn = s.routeDiscoveryRoot(parts, body)
	case parts[0] == s.cfg.General.HomeAssistantRoot:
		if len(parts) == dataPointConfigParts && parts[3] == "config" {
			fn = func() { s.onDataPointConfig(parts[1], parts[2], body) }
		}
	case parts[0] == s.cfg.General.TopicRoot:
		if isLegacyCommand(parts) {
			fn = func() { s.onCommandTopic(topic, parts, body) }
		}
	}

	if fn == nil {
		return nil
	}
	if err := s.post(fn); err != nil {
		s.logger.Debug("dropping message after stop", "topic", topic)
	}
	return nil
}

func (s *Supervisor) routeDiscoveryRoot(parts []string, body []byte) func() {
	switch {
	case len(parts) == discoveryParts && parts[1] == "discovery":
		return func() { s.onDiscovery(parts[2], body) }
	case len(parts) == componentParts &&
		slices.Contains(componentSegments, parts[1]) &&
		parts[2] == s.cfg.General.HomeAssistantRoot:
		return func() { s.onComponentConfig(parts[3], body) }
	default:
		return nil
	}
}

func isLegacyCommand(parts []string) bool {
	if parts[len(parts)-1] != mqtt.SubtopicCommand {
		return false
	}
	if len(parts) != legacyCommandParts && len(parts) != legacyDeviceCommandParts {
		return false
	}
	switch parts[1] {
	case device.ProtocolV31, device.ProtocolV33:
		return true
	default:
		return false
	}
}

// =============================================================================
// Event handlers (dispatch goroutine)
// =============================================================================

// onDiscovery replaces whatever runs for the device, or for its address,
// with a worker built from the descriptor. An empty descriptor only stops.
func (s *Supervisor) onDiscovery(key string, payload []byte) {
	desc, err := device.ParseDescriptor(payload)
	if err != nil {
		s.logger.Warn("ignoring discovery message", "device_id", key, "error", err)
		return
	}
	if desc != nil && desc.DeviceID != key {
		s.logger.Warn("ignoring discovery message for another device",
			"device_id", key,
			"deviceid", desc.DeviceID,
		)
		return
	}

	address := ""
	if desc != nil {
		address = desc.Address
	}
	s.removeMatching(key, address)

	if desc == nil {
		s.logger.Info("discovery deferred, no descriptor", "device_id", key)
		return
	}

	schemas, skipped := desc.Schemas()
	if len(skipped) > 0 {
		s.logger.Warn("skipping data points with non-integer keys", "device_id", key, "keys", skipped)
	}

	dev := device.New(desc.Identity(), device.Options{
		Root:        s.cfg.General.TopicRoot,
		Schemas:     schemas,
		PollCommand: desc.PreferredPollCommand(),
		Logger:      s.logger,
	})
	if !dev.Valid() {
		s.logger.Warn("not starting device with incomplete identity", "device_id", key)
		return
	}

	s.startWorker(dev, s.newTransform(dev, desc.DataPointIDs()))
}

// onCommandTopic registers a topic-encoded device the first time a
// command is addressed to it, then hands the command to the new worker.
func (s *Supervisor) onCommandTopic(topic string, parts []string, payload []byte) {
	identity := device.Identity{
		Protocol: parts[1],
		ID:       parts[2],
		LocalKey: parts[3],
		Address:  parts[4],
	}
	if _, exists := s.registry[identity.ID]; exists {
		return
	}
	if owner, served := s.servedAddress(identity.Address); served {
		s.logger.Debug("ignoring command, address already served",
			"device_id", identity.ID,
			"address", identity.Address,
			"served_by", owner,
		)
		return
	}

	dev := device.New(identity, device.Options{
		Root:         s.cfg.General.TopicRoot,
		TopicEncoded: true,
		Logger:       s.logger,
	})
	if !dev.Valid() {
		s.logger.Warn("ignoring command for incomplete identity", "topic", topic)
		return
	}

	w := s.startWorker(dev, nil)
	if w == nil {
		return
	}
	if err := w.Deliver(topic, payload); err != nil {
		s.logger.Warn("dropping first command", "device_id", identity.ID, "error", err)
	}
}

// onDataPointConfig caches a data point fragment and feeds it to the
// device's transform. Configs that are not ours are ignored quietly; other
// integrations publish under the same root.
func (s *Supervisor) onDataPointConfig(component, uniqueID string, payload []byte) {
	if len(bytes.TrimSpace(payload)) == 0 {
		if deviceID, dp, err := transform.SplitUniqueID(uniqueID); err == nil {
			delete(s.dpConfigs[deviceID], dp)
		}
		return
	}

	cfg, err := transform.ParseDataPointConfig(component, uniqueID, payload)
	if err != nil {
		s.logger.Debug("ignoring data point config", "component", component, "unique_id", uniqueID, "error", err)
		return
	}

	if s.dpConfigs[cfg.DeviceID] == nil {
		s.dpConfigs[cfg.DeviceID] = make(map[int]transform.DataPointConfig)
	}
	s.dpConfigs[cfg.DeviceID][cfg.DP] = cfg

	if e, ok := s.registry[cfg.DeviceID]; ok && e.transform != nil {
		e.transform.SetDataPointConfig(cfg)
	}
}

// onComponentConfig caches a component fragment and feeds it to every
// transform.
func (s *Supervisor) onComponentConfig(name string, payload []byte) {
	if len(bytes.TrimSpace(payload)) == 0 {
		delete(s.components, name)
		return
	}

	cfg, err := transform.ParseComponentConfig(name, payload)
	if err != nil {
		s.logger.Warn("ignoring component config", "component", name, "error", err)
		return
	}
	s.components[name] = cfg

	for _, e := range s.registry {
		if e.transform != nil {
			e.transform.SetComponentConfig(cfg)
		}
	}
	s.logger.Debug("component config updated", "component", name, "topics", len(cfg.Topics))
}
