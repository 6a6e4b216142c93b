package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/nerrad567/tuya-gateway/internal/device"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuya-gateway/internal/protocol"
	"github.com/nerrad567/tuya-gateway/internal/transform"
)

// topics only uses namespace-relative builders, which ignore the roots.
var topics mqtt.Topics

// connectBus opens the worker's MQTT session. The connection completes in
// the background; subscriptions apply once it is up.
func (w *Worker) connectBus() {
	will := mqtt.Will{
		Topic:    topics.Device(w.namespace, mqtt.SubtopicAvailability),
		Payload:  w.general.AvailabilityOffline,
		QoS:      w.qos,
		Retained: true,
	}
	w.bus = w.newBus(w.clientID, will)
	w.bus.SetOnConnect(w.onBusConnected)

	for _, topic := range w.subscribeTopics() {
		if err := w.bus.AddSubscription(topic, w.qos, w.onBusMessage); err != nil {
			w.logger.Warn("subscribing to command topic",
				"device_id", w.identity.ID,
				"topic", topic,
				"error", err,
			)
		}
	}
	w.bus.ConnectAsync()
}

// subscribeTopics returns the resolved command topics of a discovery
// device, or everything under the namespace for a topic-encoded one.
func (w *Worker) subscribeTopics() []string {
	if w.transform != nil {
		if resolved := w.transform.ResolveSubscribeTopics(); len(resolved) > 0 {
			return resolved
		}
	}
	return []string{topics.AllUnder(w.namespace)}
}

// =============================================================================
// Bus commands (paho delivery goroutine)
// =============================================================================

// onBusMessage queues command topics for the worker goroutine. Everything
// else seen under the namespace, including the worker's own state
// publications, is ignored.
func (w *Worker) onBusMessage(topic string, payload []byte) error {
	dpID, isCommand := w.commandTarget(topic)
	if !isCommand {
		return nil
	}

	body := slices.Clone(payload)
	err := w.enqueue(func(ctx context.Context) {
		w.handleCommand(ctx, dpID, body)
	})
	if err != nil {
		return fmt.Errorf("queueing command for %s: %w", w.identity.ID, err)
	}
	return nil
}

// commandTarget classifies a topic. A nil id with true means a
// device-level command carrying a map of data points.
func (w *Worker) commandTarget(topic string) (*int, bool) {
	if w.transform != nil {
		if dp, ok := w.transform.DataPointForTopic(topic); ok {
			return &dp, true
		}
	}

	rest, ok := strings.CutPrefix(topic, w.namespace+"/")
	if !ok {
		return nil, false
	}
	if rest == mqtt.SubtopicCommand {
		return nil, true
	}

	index, ok := strings.CutSuffix(rest, "/"+mqtt.SubtopicCommand)
	if !ok {
		return nil, false
	}
	dp, err := strconv.Atoi(index)
	if err != nil {
		return nil, false
	}
	return &dp, true
}

// =============================================================================
// Command handling (worker goroutine)
// =============================================================================

func (w *Worker) handleCommand(ctx context.Context, dpID *int, payload []byte) {
	if dpID != nil {
		w.commandDataPoint(ctx, *dpID, payload)
	} else {
		w.commandDevice(ctx, payload)
	}
	w.storeSnapshot()
}

// commandDataPoint sends one value to the device.
func (w *Worker) commandDataPoint(ctx context.Context, dp int, payload []byte) {
	value := w.commandValue(dp, string(payload))
	if err := w.dev.ApplyCommand(&dp, value); err != nil {
		w.logger.Warn("dropping command", "device_id", w.identity.ID, "dp", dp, "error", err)
		return
	}

	out := w.dev.OutboundCommandPayload(&dp)
	if out == nil {
		return
	}

	w.logger.Debug("sending command", "device_id", w.identity.ID, "dp", dp, "value", out)
	w.send(ctx, outbound{
		desc: "set_state " + strconv.Itoa(dp),
		call: func(ctx context.Context, session protocol.Session) error {
			return session.SetState(ctx, dp, out)
		},
	})
}

// commandDevice sends a JSON map of data point values to the device.
func (w *Worker) commandDevice(ctx context.Context, payload []byte) {
	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil {
		w.logger.Warn("dropping command, invalid JSON",
			"device_id", w.identity.ID,
			"error", err,
		)
		return
	}

	if err := w.dev.ApplyCommand(nil, values); err != nil {
		w.logger.Warn("dropping command", "device_id", w.identity.ID, "error", err)
		return
	}

	// Only the data points named in this command are sent.
	out := make(map[int]any, len(values))
	for key := range values {
		id, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			continue
		}
		if v := w.dev.OutboundCommandPayload(&id); v != nil {
			out[id] = v
		}
	}
	if len(out) == 0 {
		return
	}

	w.logger.Debug("sending command", "device_id", w.identity.ID, "dps", out)
	w.send(ctx, outbound{
		desc: "set_status",
		call: func(ctx context.Context, session protocol.Session) error {
			return session.SetStatus(ctx, out)
		},
	})
}

// commandValue maps an external payload back to a device value. Discovery
// devices use the component's value table. The configured on/off payloads
// become booleans only for boolean data points, including ones not seen
// yet; other types receive the text unchanged.
func (w *Worker) commandValue(dp int, payload string) any {
	var value any = payload
	if w.transform != nil {
		value = w.transform.ResolveCommandValue(dp, payload)
	}

	s, ok := value.(string)
	if !ok || !w.isBoolDataPoint(dp) {
		return value
	}
	switch s {
	case w.general.PayloadOn:
		return true
	case w.general.PayloadOff:
		return false
	}
	return value
}

func (w *Worker) isBoolDataPoint(id int) bool {
	dp, ok := w.dev.DataPoint(id)
	return !ok || dp.Schema().Type == device.TypeBool
}

// =============================================================================
// Publishing (worker goroutine)
// =============================================================================

// publishDataPoints publishes the state and attributes of ids, then the
// device-wide attributes if anything was published.
func (w *Worker) publishDataPoints(ids []int) {
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		w.publishState(id)
		w.publishJSON(topics.DataPoint(w.namespace, id, mqtt.SubtopicAttributes),
			w.dev.InboundEventPayload(&id, device.ModeAttributes))
	}
	w.publishJSON(topics.Device(w.namespace, mqtt.SubtopicAttributes), w.dev.Attributes())
}

// publishState publishes one data point value. Discovery devices go
// through the transform; data points it does not map, and topic-encoded
// devices, use the default state topic.
func (w *Worker) publishState(id int) {
	value := w.dev.InboundEventPayload(&id, device.ModeState)

	if w.transform != nil {
		if pub, ok := w.transform.ResolvePublishContent(id, transform.KindState, value); ok {
			w.publish(pub.Topic, []byte(pub.Payload), false)
			return
		}
	}

	w.publish(topics.DataPoint(w.namespace, id, mqtt.SubtopicState), []byte(w.legacyPayload(value)), false)
}

func (w *Worker) legacyPayload(value any) string {
	if b, ok := value.(bool); ok {
		if b {
			return w.general.PayloadOn
		}
		return w.general.PayloadOff
	}
	return transform.FormatValue(value)
}

// setAvailability publishes retained availability when it flips.
func (w *Worker) setAvailability(available bool) {
	if available == w.available {
		return
	}
	w.available = available
	w.publishAvailability(available)
}

// publishAvailability publishes retained availability. The default
// availability topic always carries it, matching the Last Will; discovery
// devices also publish to every mapped availability topic.
func (w *Worker) publishAvailability(available bool) {
	payload := w.general.AvailabilityOffline
	if available {
		payload = w.general.AvailabilityOnline
	}
	defaultTopic := topics.Device(w.namespace, mqtt.SubtopicAvailability)
	w.publish(defaultTopic, []byte(payload), true)

	if w.transform == nil {
		return
	}
	published := map[string]bool{defaultTopic: true}
	for _, pub := range w.transform.ResolvePublishContentAll(transform.KindAvailability, available) {
		if published[pub.Topic] {
			continue
		}
		published[pub.Topic] = true
		w.publish(pub.Topic, []byte(pub.Payload), true)
	}
}

func (w *Worker) publishJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("encoding payload", "device_id", w.identity.ID, "topic", topic, "error", err)
		return
	}
	w.publish(topic, data, false)
}

// publish sends to the bus. Messages published while the session is down
// are lost.
func (w *Worker) publish(topic string, payload []byte, retained bool) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(topic, payload, w.qos, retained); err != nil {
		w.logger.Debug("publish failed",
			"device_id", w.identity.ID,
			"topic", topic,
			"error", err,
		)
	}
}
