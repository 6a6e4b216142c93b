package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Poll commands the protocol agent is known to accept.
var knownPollCommands = map[int]bool{10: true, 13: true}

// Descriptor is a discovery document announcing one device.
type Descriptor struct {
	DeviceID    string                `json:"deviceid"`
	LocalKey    string                `json:"localkey"`
	Address     string                `json:"ip"`
	Protocol    string                `json:"protocol"`
	PollCommand int                   `json:"pref_status_cmd,omitempty"`
	DataPoints  []DescriptorDataPoint `json:"dps"`
}

// DescriptorDataPoint declares one data point inside a Descriptor.
type DescriptorDataPoint struct {
	Key     json.Number `json:"key"`
	Type    string      `json:"type_value"`
	Minimal *float64    `json:"minimal,omitempty"`
	Maximal *float64    `json:"maximal,omitempty"`
}

// ParseDescriptor decodes a discovery payload.
//
// An empty payload returns (nil, nil): the publisher has no configuration
// for the device yet.
func ParseDescriptor(payload []byte) (*Descriptor, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	var desc Descriptor
	if err := json.Unmarshal(payload, &desc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if desc.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing deviceid", ErrInvalidDescriptor)
	}
	return &desc, nil
}

// Identity returns the descriptor's identity with the protocol normalized.
func (d *Descriptor) Identity() Identity {
	return Identity{
		ID:       d.DeviceID,
		LocalKey: d.LocalKey,
		Address:  d.Address,
		Protocol: NormalizeProtocol(d.Protocol),
	}
}

// PreferredPollCommand returns the declared poll command, or the default
// when it is absent or unknown.
func (d *Descriptor) PreferredPollCommand() int {
	if knownPollCommands[d.PollCommand] {
		return d.PollCommand
	}
	return DefaultPollCommand
}

// Schemas converts the declared data points. Entries whose key is not an
// integer are returned in skipped; unknown types still yield a schema that
// fails validation so the data point falls back to the boolean default.
func (d *Descriptor) Schemas() (schemas []Schema, skipped []string) {
	for _, dp := range d.DataPoints {
		id, err := strconv.Atoi(strings.TrimSpace(dp.Key.String()))
		if err != nil {
			skipped = append(skipped, dp.Key.String())
			continue
		}
		valueType, err := ParseValueType(dp.Type)
		if err != nil {
			valueType = ValueType(dp.Type)
		}
		schemas = append(schemas, Schema{
			ID:      id,
			Type:    valueType,
			Minimum: dp.Minimal,
			Maximum: dp.Maximal,
		})
	}
	return schemas, skipped
}

// DataPointIDs returns the integer ids the descriptor declares, in order.
func (d *Descriptor) DataPointIDs() []int {
	schemas, _ := d.Schemas()
	ids := make([]int, 0, len(schemas))
	for _, s := range schemas {
		ids = append(ids, s.ID)
	}
	return ids
}
