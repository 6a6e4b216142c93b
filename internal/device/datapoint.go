package device

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType is the declared type of a data point.
type ValueType string

// Supported value types.
const (
	TypeBool   ValueType = "bool"
	TypeString ValueType = "str"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
)

// ParseValueType maps a descriptor type name to a ValueType.
// "string" is accepted as an alias for "str".
func ParseValueType(s string) (ValueType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean":
		return TypeBool, nil
	case "str", "string":
		return TypeString, nil
	case "int", "integer":
		return TypeInt, nil
	case "float", "number":
		return TypeFloat, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrConfigValidation, s)
	}
}

// Source records where a data point's current value came from.
type Source string

// Value sources.
const (
	SourceInit   Source = "init"
	SourceDevice Source = "device"
	SourceBus    Source = "bus"
)

// Schema declares how a data point's raw values are coerced.
//
// Minimum and Maximum bound numeric values. For strings, Maximum is the
// rune limit.
type Schema struct {
	ID      int
	Type    ValueType
	Minimum *float64
	Maximum *float64
}

// DefaultSchema is used for data points the device reports but no
// descriptor declares.
func DefaultSchema(id int) Schema {
	return Schema{ID: id, Type: TypeBool}
}

// Validate checks the schema is self-consistent. Non-bool types need both
// bounds with Maximum strictly above Minimum.
func (s Schema) Validate() error {
	switch s.Type {
	case TypeBool:
		return nil
	case TypeString, TypeInt, TypeFloat:
	default:
		return fmt.Errorf("%w: dp %d has unknown type %q", ErrConfigValidation, s.ID, s.Type)
	}
	if s.Minimum == nil || s.Maximum == nil {
		return fmt.Errorf("%w: dp %d of type %s needs minimum and maximum", ErrConfigValidation, s.ID, s.Type)
	}
	if *s.Maximum <= *s.Minimum {
		return fmt.Errorf("%w: dp %d maximum %v must exceed minimum %v", ErrConfigValidation, s.ID, *s.Maximum, *s.Minimum)
	}
	if s.Type == TypeInt && math.Ceil(*s.Minimum) > math.Floor(*s.Maximum) {
		return fmt.Errorf("%w: dp %d bounds [%v, %v] contain no integer", ErrConfigValidation, s.ID, *s.Minimum, *s.Maximum)
	}
	return nil
}

// DataPoint is one typed, id-addressed value slot on a device.
//
// It keeps two views: the last value reported by the device (output) and
// the last value requested by the bus (input). Only device reports move the
// output and the changed flag.
type DataPoint struct {
	schema Schema

	output    any
	hasOutput bool
	input     any
	source    Source
	changed   bool
}

// NewDataPoint creates an empty data point with the default boolean schema.
func NewDataPoint(id int) *DataPoint {
	return &DataPoint{schema: DefaultSchema(id), source: SourceInit}
}

// Configure validates and stores a schema, reporting whether it was valid.
// An invalid schema leaves the boolean default in place.
func (dp *DataPoint) Configure(schema Schema) bool {
	schema.ID = dp.schema.ID
	if schema.Validate() != nil {
		dp.schema = DefaultSchema(dp.schema.ID)
		return false
	}
	dp.schema = schema
	return true
}

// ID returns the data point id.
func (dp *DataPoint) ID() int { return dp.schema.ID }

// Schema returns the data point's schema.
func (dp *DataPoint) Schema() Schema { return dp.schema }

// Output returns the last sanitized device value, and whether one exists.
func (dp *DataPoint) Output() (any, bool) { return dp.output, dp.hasOutput }

// Input returns the last sanitized value requested by the bus or device.
func (dp *DataPoint) Input() any { return dp.input }

// Source returns the origin of the current output.
func (dp *DataPoint) Source() Source { return dp.source }

// Changed reports whether the last device report moved the output.
func (dp *DataPoint) Changed() bool { return dp.changed }

// IngestDeviceValue sanitizes a device-reported value. When it differs from
// the current output, both views are updated and the point is flagged as
// changed; otherwise the changed flag is cleared.
func (dp *DataPoint) IngestDeviceValue(raw any, source Source) (bool, error) {
	value, err := dp.Sanitize(raw)
	if err != nil {
		return false, err
	}

	if dp.hasOutput && value == dp.output {
		dp.changed = false
		return false, nil
	}

	dp.output = value
	dp.hasOutput = true
	dp.input = value
	dp.source = source
	dp.changed = true
	return true, nil
}

// IngestCommandValue sanitizes a bus-requested value into the input view.
// The output and changed flag are left alone until the device confirms.
func (dp *DataPoint) IngestCommandValue(raw any) error {
	value, err := dp.Sanitize(raw)
	if err != nil {
		return err
	}
	dp.input = value
	return nil
}

// seed restores a persisted output without flagging a change.
func (dp *DataPoint) seed(raw any, source Source) {
	value, err := dp.Sanitize(raw)
	if err != nil {
		return
	}
	dp.output = value
	dp.hasOutput = true
	dp.input = value
	if source != "" {
		dp.source = source
	}
	dp.changed = false
}

// Sanitize coerces a raw value to the data point's declared type.
//
// The result is bool, string, int or float64. Sanitizing an already
// sanitized value returns it unchanged.
func (dp *DataPoint) Sanitize(raw any) (any, error) {
	switch dp.schema.Type {
	case TypeString:
		return sanitizeString(raw, dp.schema.Maximum), nil
	case TypeInt:
		f, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: dp %d: %w", ErrConfigValidation, dp.schema.ID, err)
		}
		return int(clampInt(math.Trunc(f), dp.schema)), nil
	case TypeFloat:
		f, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: dp %d: %w", ErrConfigValidation, dp.schema.ID, err)
		}
		return clamp(f, dp.schema), nil
	default:
		return Truthy(raw), nil
	}
}

// Truthy interprets a raw value as a boolean.
//
// nil, false, zero, the empty string and the words "0", "false", "off" and
// "no" (any case) are false. Everything else is true.
func Truthy(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case []byte:
		return truthyString(string(v))
	case string:
		return truthyString(v)
	default:
		return true
	}
}

func truthyString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "off", "no":
		return false
	default:
		return true
	}
}

func sanitizeString(raw any, limit *float64) string {
	var s string
	switch v := raw.(type) {
	case nil:
		s = ""
	case string:
		s = v
	case []byte:
		s = string(v)
	case bool:
		s = strconv.FormatBool(v)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		s = fmt.Sprint(v)
	}

	if limit == nil {
		return s
	}
	maxRunes := max(int(*limit), 0)
	runes := []rune(s)
	if len(runes) > maxRunes {
		return string(runes[:maxRunes])
	}
	return s
}

func toFloat(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v.String())
		}
		f = parsed
	case []byte:
		return toFloat(string(v))
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("not a number: %T", raw)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", f)
	}
	return f, nil
}

// clampInt clamps an integral value to the integers inside the bounds.
func clampInt(f float64, s Schema) float64 {
	if s.Minimum != nil && f < math.Ceil(*s.Minimum) {
		f = math.Ceil(*s.Minimum)
	}
	if s.Maximum != nil && f > math.Floor(*s.Maximum) {
		f = math.Floor(*s.Maximum)
	}
	return f
}

func clamp(f float64, s Schema) float64 {
	if s.Minimum != nil && f < *s.Minimum {
		f = *s.Minimum
	}
	if s.Maximum != nil && f > *s.Maximum {
		f = *s.Maximum
	}
	return f
}
