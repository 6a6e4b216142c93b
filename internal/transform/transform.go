package transform

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Event kinds passed to ResolvePublishContent.
const (
	KindState        = "state"
	KindAvailability = "availability"
)

// commandTopicName is the component topic role carrying bus commands.
const commandTopicName = "command_topic"

// State is the configuration state of one data point.
type State int

// Data point configuration states.
const (
	StateUnconfigured State = iota
	StatePartial
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "UNCONFIGURED"
	case StatePartial:
		return "PARTIAL"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Publication is a resolved outbound message.
type Publication struct {
	DP      int
	Topic   string
	Payload string
}

type point struct {
	component string
	config    *DataPointConfig
}

// Transform maps one discovery-sourced device onto the topics and values
// described by its discovery fragments.
//
// Fragments are fed from the gateway's dispatch goroutine while the
// device's worker reads resolved topics, so every method takes the mutex.
type Transform struct {
	deviceID  string
	namespace string

	mu         sync.Mutex
	points     map[int]*point
	components map[string]ComponentConfig
	ready      chan struct{}
	isReady    bool
}

// New creates a Transform for the data points the device's descriptor
// declares. components optionally names each data point's component up
// front; otherwise the component is learned from the data point fragment.
func New(deviceID, namespace string, dps []int, components map[int]string) *Transform {
	t := &Transform{
		deviceID:   deviceID,
		namespace:  namespace,
		points:     make(map[int]*point, len(dps)),
		components: make(map[string]ComponentConfig),
		ready:      make(chan struct{}),
	}
	for _, dp := range dps {
		t.points[dp] = &point{component: components[dp]}
	}
	t.checkReadyLocked()
	return t
}

// DeviceID returns the device the transform belongs to.
func (t *Transform) DeviceID() string { return t.deviceID }

// SetDataPointConfig stores a data point fragment. Fragments for other
// devices or undeclared data points are ignored; the return value reports
// whether the fragment was taken.
func (t *Transform) SetDataPointConfig(cfg DataPointConfig) bool {
	if cfg.DeviceID != t.deviceID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.points[cfg.DP]
	if !ok {
		return false
	}
	p.config = &cfg
	if cfg.Component != "" {
		p.component = cfg.Component
	}
	t.checkReadyLocked()
	return true
}

// SetComponentConfig stores a component fragment. It applies to every data
// point of that component, including ones whose data point fragment has not
// arrived yet.
func (t *Transform) SetComponentConfig(cfg ComponentConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.components[cfg.Name] = cfg
	t.checkReadyLocked()
}

// State returns the configuration state of a data point.
func (t *Transform) State(dp int) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(dp)
}

func (t *Transform) stateLocked(dp int) State {
	p, ok := t.points[dp]
	if !ok {
		return StateUnconfigured
	}
	_, hasComponent := t.components[p.component]
	hasComponent = hasComponent && p.component != ""

	switch {
	case p.config != nil && hasComponent:
		return StateReady
	case p.config != nil || hasComponent:
		return StatePartial
	default:
		return StateUnconfigured
	}
}

// checkReadyLocked closes the ready channel once every declared data point
// is READY. Readiness is never withdrawn.
func (t *Transform) checkReadyLocked() {
	if t.isReady {
		return
	}
	for dp := range t.points {
		if t.stateLocked(dp) != StateReady {
			return
		}
	}
	t.isReady = true
	close(t.ready)
}

// Ready returns a channel closed once every declared data point is READY.
func (t *Transform) Ready() <-chan struct{} {
	return t.ready
}

// IsReady reports whether Ready has been closed.
func (t *Transform) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isReady
}

// Pending returns the declared data points that are not yet READY.
func (t *Transform) Pending() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []int
	for dp := range t.points {
		if t.stateLocked(dp) != StateReady {
			pending = append(pending, dp)
		}
	}
	slices.Sort(pending)
	return pending
}

// Components returns the component names the transform is waiting on or using.
func (t *Transform) Components() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := make(map[string]struct{})
	for _, p := range t.points {
		if p.component != "" {
			set[p.component] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// ResolveTopic replaces every "~" in template with the data point's base
// topic. Without a fragment base the device namespace is used.
func (t *Transform) ResolveTopic(dp int, template string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveTopicLocked(dp, template)
}

func (t *Transform) resolveTopicLocked(dp int, template string) string {
	base := t.namespace
	if p, ok := t.points[dp]; ok && p.config != nil && p.config.Base != "" {
		base = p.config.Base
	}
	return strings.ReplaceAll(template, basePlaceholder, base)
}

// ResolveSubscribeTopics returns the resolved command topics of every data
// point with a fragment, sorted and de-duplicated.
func (t *Transform) ResolveSubscribeTopics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := make(map[string]struct{})
	for dp, p := range t.points {
		if p.config == nil || p.config.CommandTopic == "" {
			continue
		}
		set[t.resolveTopicLocked(dp, p.config.CommandTopic)] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// DataPointForTopic returns the data point whose resolved command topic is topic.
func (t *Transform) DataPointForTopic(topic string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, dp := range slices.Sorted(maps.Keys(t.points)) {
		p := t.points[dp]
		if p.config == nil || p.config.CommandTopic == "" {
			continue
		}
		if t.resolveTopicLocked(dp, p.config.CommandTopic) == topic {
			return dp, true
		}
	}
	return 0, false
}

// ResolvePublishContent resolves the topic and payload for a value of the
// given kind ("state", "availability") on one data point.
//
// The component's publish topic named "<kind>_topic" supplies the topic
// template. Its value table maps raw to the external payload; without a
// match the raw value is formatted as a string. Returns false if the data
// point is not READY or the component has no such topic.
func (t *Transform) ResolvePublishContent(dp int, kind string, raw any) (Publication, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolvePublishLocked(dp, kind, raw)
}

func (t *Transform) resolvePublishLocked(dp int, kind string, raw any) (Publication, bool) {
	if t.stateLocked(dp) != StateReady {
		return Publication{}, false
	}
	component := t.components[t.points[dp].component]

	topic, ok := component.topic(TopicTypePublish, kind+"_topic")
	if !ok || topic.DefaultValue == "" {
		return Publication{}, false
	}

	payload := FormatValue(raw)
	for _, key := range slices.Sorted(maps.Keys(topic.Values)) {
		mapping := topic.Values[key]
		if valuesEqual(mapping.TuyaValue, raw) {
			payload = mapping.DefaultValue
			break
		}
	}

	return Publication{
		DP:      dp,
		Topic:   t.resolveTopicLocked(dp, topic.DefaultValue),
		Payload: payload,
	}, true
}

// ResolvePublishContentAll resolves kind for every READY data point, in
// data point order. Used for device-wide events such as availability.
func (t *Transform) ResolvePublishContentAll(kind string, raw any) []Publication {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pubs []Publication
	for _, dp := range slices.Sorted(maps.Keys(t.points)) {
		if pub, ok := t.resolvePublishLocked(dp, kind, raw); ok {
			pubs = append(pubs, pub)
		}
	}
	return pubs
}

// ResolveCommandValue maps an external command payload back to a device
// value using the component's "command_topic" value table. Without a match
// the payload is returned unchanged.
func (t *Transform) ResolveCommandValue(dp int, payload string) any {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.points[dp]
	if !ok {
		return payload
	}
	component, ok := t.components[p.component]
	if !ok {
		return payload
	}
	topic, ok := component.topic(TopicTypeSubscribe, commandTopicName)
	if !ok {
		return payload
	}
	for _, key := range slices.Sorted(maps.Keys(topic.Values)) {
		mapping := topic.Values[key]
		if mapping.DefaultValue == payload {
			return mapping.TuyaValue
		}
	}
	return payload
}

// FormatValue renders a sanitized value as a bus payload.
func FormatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case int:
		return strconv.Itoa(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}

// valuesEqual compares a JSON-decoded table value with a sanitized value.
// Numbers compare by value regardless of int/float representation.
func valuesEqual(tableValue, raw any) bool {
	a, aNumeric := asFloat(tableValue)
	b, bNumeric := asFloat(raw)
	if aNumeric && bNumeric {
		return a == b && !math.IsNaN(a)
	}
	switch tableValue.(type) {
	case bool, string:
		return tableValue == raw
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
