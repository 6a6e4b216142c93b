package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidFragment is returned when a discovery fragment is malformed or
// does not belong to the topic it arrived on.
var ErrInvalidFragment = errors.New("transform: invalid fragment")

// Topic types in a component config.
const (
	TopicTypePublish   = "publish"
	TopicTypeSubscribe = "subscribe"
)

// basePlaceholder is replaced by a data point's base topic.
const basePlaceholder = "~"

// DataPointConfig is the per data point discovery fragment, as published on
// homeassistant/<component>/<deviceId>_<dp>/config.
type DataPointConfig struct {
	DeviceID  string
	DP        int
	Component string

	// Base is the "~" field. Empty means the device namespace.
	Base string

	CommandTopic      string
	StateTopic        string
	AvailabilityTopic string

	// Raw keeps every field of the original document.
	Raw map[string]any
}

type dataPointConfigDoc struct {
	Base              string `json:"~"`
	UniqueID          string `json:"uniq_id"`
	CommandTopic      string `json:"cmd_t"`
	StateTopic        string `json:"stat_t"`
	AvailabilityTopic string `json:"avty_t"`
	Device            struct {
		Identifiers identifiers `json:"identifiers"`
	} `json:"device"`
}

// identifiers accepts both a single string and a list, as discovery
// publishers differ.
type identifiers []string

func (ids *identifiers) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*ids = identifiers{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*ids = list
	return nil
}

// ParseDataPointConfig decodes a data point fragment.
//
// topicUniqueID is the <deviceId>_<dp> segment of the topic. The fragment is
// accepted only if its uniq_id matches that segment and the device id is
// listed in device.identifiers.
func ParseDataPointConfig(component, topicUniqueID string, payload []byte) (DataPointConfig, error) {
	var doc dataPointConfigDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return DataPointConfig{}, fmt.Errorf("%w: %w", ErrInvalidFragment, err)
	}
	if doc.UniqueID == "" {
		return DataPointConfig{}, fmt.Errorf("%w: missing uniq_id", ErrInvalidFragment)
	}
	if doc.UniqueID != topicUniqueID {
		return DataPointConfig{}, fmt.Errorf("%w: uniq_id %q does not match topic %q", ErrInvalidFragment, doc.UniqueID, topicUniqueID)
	}

	deviceID, dp, err := SplitUniqueID(doc.UniqueID)
	if err != nil {
		return DataPointConfig{}, err
	}
	if !slices.Contains(doc.Device.Identifiers, deviceID) {
		return DataPointConfig{}, fmt.Errorf("%w: device %s not in identifiers", ErrInvalidFragment, deviceID)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return DataPointConfig{}, fmt.Errorf("%w: %w", ErrInvalidFragment, err)
	}

	return DataPointConfig{
		DeviceID:          deviceID,
		DP:                dp,
		Component:         component,
		Base:              doc.Base,
		CommandTopic:      doc.CommandTopic,
		StateTopic:        doc.StateTopic,
		AvailabilityTopic: doc.AvailabilityTopic,
		Raw:               raw,
	}, nil
}

// SplitUniqueID splits "<deviceId>_<dp>" at the last underscore.
func SplitUniqueID(uniqueID string) (deviceID string, dp int, err error) {
	i := strings.LastIndex(uniqueID, "_")
	if i <= 0 || i == len(uniqueID)-1 {
		return "", 0, fmt.Errorf("%w: unique id %q is not <device>_<dp>", ErrInvalidFragment, uniqueID)
	}
	dp, err = strconv.Atoi(uniqueID[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: unique id %q has a non-numeric data point", ErrInvalidFragment, uniqueID)
	}
	return uniqueID[:i], dp, nil
}

// ValueMapping pairs a device value with its external payload.
type ValueMapping struct {
	TuyaValue    any    `json:"tuya_value"`
	DefaultValue string `json:"default_value"`
}

// ComponentTopic describes one topic role of a component.
type ComponentTopic struct {
	Name         string                  `json:"name"`
	TopicType    string                  `json:"topic_type"`
	DefaultValue string                  `json:"default_value"`
	Values       map[string]ValueMapping `json:"values,omitempty"`
}

// ComponentConfig is the per component fragment, shared by every device
// exposing that component.
type ComponentConfig struct {
	Name   string                    `json:"-"`
	Topics map[string]ComponentTopic `json:"topics"`
}

// ParseComponentConfig decodes a component fragment.
func ParseComponentConfig(name string, payload []byte) (ComponentConfig, error) {
	if name == "" {
		return ComponentConfig{}, fmt.Errorf("%w: empty component name", ErrInvalidFragment)
	}

	var cfg ComponentConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return ComponentConfig{}, fmt.Errorf("%w: %w", ErrInvalidFragment, err)
	}
	if len(cfg.Topics) == 0 {
		return ComponentConfig{}, fmt.Errorf("%w: component %s has no topics", ErrInvalidFragment, name)
	}
	for key, topic := range cfg.Topics {
		if topic.TopicType != TopicTypePublish && topic.TopicType != TopicTypeSubscribe {
			return ComponentConfig{}, fmt.Errorf("%w: topic %s has type %q", ErrInvalidFragment, key, topic.TopicType)
		}
	}
	cfg.Name = name
	return cfg, nil
}

// topic returns the topic with the given role name and type.
func (c ComponentConfig) topic(topicType, name string) (ComponentTopic, bool) {
	for _, key := range slices.Sorted(maps.Keys(c.Topics)) {
		t := c.Topics[key]
		if t.TopicType == topicType && t.Name == name {
			return t, true
		}
	}
	return ComponentTopic{}, false
}
