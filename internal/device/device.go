package device

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/nerrad567/tuya-gateway/internal/infrastructure/mqtt"
)

// Protocol versions understood by the protocol agent.
const (
	ProtocolV31     = "3.1"
	ProtocolV33     = "3.3"
	DefaultProtocol = ProtocolV33
)

// DefaultPollCommand is the status command used when a descriptor names none.
// The value is passed to the protocol agent unchanged.
const DefaultPollCommand = 10

// NormalizeProtocol maps unknown or empty protocol versions to the default.
func NormalizeProtocol(version string) string {
	switch strings.TrimSpace(version) {
	case ProtocolV31:
		return ProtocolV31
	case ProtocolV33:
		return ProtocolV33
	default:
		return DefaultProtocol
	}
}

// Logger defines the logging interface used by Device.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// PayloadMode selects the shape of InboundEventPayload.
type PayloadMode string

// Payload modes.
const (
	ModeState      PayloadMode = "state"
	ModeAttributes PayloadMode = "attributes"
)

// Identity is the network identity of a device.
type Identity struct {
	ID       string
	LocalKey string
	Address  string
	Protocol string
}

// Complete reports whether every identity field is present.
func (i Identity) Complete() bool {
	return i.ID != "" && i.LocalKey != "" && i.Address != "" && i.Protocol != ""
}

// Attributes is the aggregate view of a device's data points.
// Data point ids become decimal string keys when marshalled.
type Attributes struct {
	DPS     map[int]any    `json:"dps"`
	Via     map[int]Source `json:"via"`
	Changed map[int]bool   `json:"changed"`
}

// Options configures a new Device.
type Options struct {
	// Root is the device topic root ("tuya").
	Root string

	// TopicEncoded marks devices registered from an identity-encoded
	// command topic rather than a discovery descriptor.
	TopicEncoded bool

	// Schemas declares data points up front. Undeclared ids are created
	// lazily with the boolean default.
	Schemas []Schema

	// PollCommand is the opaque status command code. Zero means default.
	PollCommand int

	Logger Logger
}

// Device owns a set of data points plus the identity and topic namespace
// of one physical device.
//
// A Device is not safe for concurrent use; its worker goroutine is the
// only caller.
type Device struct {
	identity     Identity
	dataPoints   map[int]*DataPoint
	namespace    string
	topicEncoded bool
	pollCommand  int
	valid        bool
	logger       Logger
}

// New creates a Device. The namespace is derived here and never changes.
func New(identity Identity, opts Options) *Device {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	pollCommand := opts.PollCommand
	if pollCommand == 0 {
		pollCommand = DefaultPollCommand
	}

	topics := mqtt.Topics{Root: opts.Root}
	namespace := topics.DiscoveredNamespace(identity.ID)
	if opts.TopicEncoded {
		namespace = topics.LegacyNamespace(identity.Protocol, identity.ID, identity.LocalKey, identity.Address)
	}

	d := &Device{
		identity:     identity,
		dataPoints:   make(map[int]*DataPoint, len(opts.Schemas)),
		namespace:    namespace,
		topicEncoded: opts.TopicEncoded,
		pollCommand:  pollCommand,
		valid:        identity.Complete(),
		logger:       logger,
	}

	for _, schema := range opts.Schemas {
		if !d.dataPoint(schema.ID).Configure(schema) {
			d.logger.Warn("invalid data point schema, using boolean default",
				"device_id", identity.ID,
				"dp", schema.ID,
				"error", schema.Validate(),
			)
		}
	}

	return d
}

// ID returns the device id, which is also its registry key.
func (d *Device) ID() string { return d.identity.ID }

// Identity returns the device's network identity.
func (d *Device) Identity() Identity { return d.identity }

// Namespace returns the device's base topic.
func (d *Device) Namespace() string { return d.namespace }

// TopicEncoded reports whether the device came from an identity-encoded topic.
func (d *Device) TopicEncoded() bool { return d.topicEncoded }

// PollCommand returns the opaque preferred status command.
func (d *Device) PollCommand() int { return d.pollCommand }

// Valid reports whether the device may be promoted to a running worker.
func (d *Device) Valid() bool { return d.valid }

// DataPoint returns the data point with the given id, if it exists.
func (d *Device) DataPoint(id int) (*DataPoint, bool) {
	dp, ok := d.dataPoints[id]
	return dp, ok
}

// DataPointIDs returns every known data point id in ascending order.
func (d *Device) DataPointIDs() []int {
	return slices.Sorted(maps.Keys(d.dataPoints))
}

// Changed returns the ids flagged as changed by the last report, ascending.
func (d *Device) Changed() []int {
	var ids []int
	for id, dp := range d.dataPoints {
		if dp.changed {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// dataPoint returns the data point for id, creating a boolean default if unseen.
func (d *Device) dataPoint(id int) *DataPoint {
	dp, ok := d.dataPoints[id]
	if !ok {
		dp = NewDataPoint(id)
		d.dataPoints[id] = dp
	}
	return dp
}

// ApplyDeviceReport ingests a map of data point id to raw value.
//
// Values that cannot be coerced are logged and skipped; the remaining
// entries are still applied. Data points absent from the report have their
// changed flag cleared. Returns ErrMalformedMessage if report is not
// map-shaped.
func (d *Device) ApplyDeviceReport(report any, source Source) error {
	values, err := d.valueMap(report)
	if err != nil {
		return err
	}

	// changed only describes the latest report.
	for _, dp := range d.dataPoints {
		dp.changed = false
	}

	for _, id := range slices.Sorted(maps.Keys(values)) {
		if _, err := d.dataPoint(id).IngestDeviceValue(values[id], source); err != nil {
			d.logger.Warn("dropping device value",
				"device_id", d.identity.ID,
				"dp", id,
				"error", err,
			)
		}
	}
	return nil
}

// ApplyCommand ingests a bus command. With a data point id, raw is the
// value for that point; without one, raw must be a map of id to value.
func (d *Device) ApplyCommand(dpID *int, raw any) error {
	if dpID != nil {
		d.ingestCommand(*dpID, raw)
		return nil
	}

	values, err := d.valueMap(raw)
	if err != nil {
		return err
	}
	for _, id := range slices.Sorted(maps.Keys(values)) {
		d.ingestCommand(id, values[id])
	}
	return nil
}

func (d *Device) ingestCommand(id int, raw any) {
	if err := d.dataPoint(id).IngestCommandValue(raw); err != nil {
		d.logger.Warn("dropping command value",
			"device_id", d.identity.ID,
			"dp", id,
			"error", err,
		)
	}
}

// OutboundCommandPayload returns the sanitized input for one data point,
// or a map of every data point's input when dpID is nil.
func (d *Device) OutboundCommandPayload(dpID *int) any {
	if dpID != nil {
		dp, ok := d.dataPoints[*dpID]
		if !ok {
			return nil
		}
		return dp.input
	}

	payload := make(map[int]any, len(d.dataPoints))
	for id, dp := range d.dataPoints {
		if dp.input != nil {
			payload[id] = dp.input
		}
	}
	return payload
}

// InboundEventPayload builds an outward message body.
//
// ModeState returns the bare output value of dpID, or a map of all outputs
// when dpID is nil. ModeAttributes returns Attributes over all data points
// or just dpID.
func (d *Device) InboundEventPayload(dpID *int, mode PayloadMode) any {
	if mode == ModeAttributes {
		if dpID != nil {
			return d.attributes([]int{*dpID})
		}
		return d.attributes(d.DataPointIDs())
	}

	if dpID != nil {
		dp, ok := d.dataPoints[*dpID]
		if !ok {
			return nil
		}
		return dp.output
	}

	state := make(map[int]any, len(d.dataPoints))
	for id, dp := range d.dataPoints {
		if dp.hasOutput {
			state[id] = dp.output
		}
	}
	return state
}

// Attributes returns the aggregate attributes over every data point.
func (d *Device) Attributes() Attributes {
	return d.attributes(d.DataPointIDs())
}

func (d *Device) attributes(ids []int) Attributes {
	attrs := Attributes{
		DPS:     make(map[int]any, len(ids)),
		Via:     make(map[int]Source, len(ids)),
		Changed: make(map[int]bool, len(ids)),
	}
	for _, id := range ids {
		dp, ok := d.dataPoints[id]
		if !ok || !dp.hasOutput {
			continue
		}
		attrs.DPS[id] = dp.output
		attrs.Via[id] = dp.source
		attrs.Changed[id] = dp.changed
	}
	return attrs
}

// valueMap normalizes a map-shaped payload to integer keys. Keys that are
// not integers are logged and skipped.
func (d *Device) valueMap(raw any) (map[int]any, error) {
	switch v := raw.(type) {
	case map[int]any:
		return v, nil
	case map[string]any:
		values := make(map[int]any, len(v))
		for key, value := range v {
			id, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil {
				d.logger.Warn("skipping non-integer data point key",
					"device_id", d.identity.ID,
					"key", key,
				)
				continue
			}
			values[id] = value
		}
		return values, nil
	default:
		return nil, fmt.Errorf("%w: expected a map of data points, got %T", ErrMalformedMessage, raw)
	}
}
