package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrConfigValidation) {
//	    // value could not be coerced, drop it
//	}
var (
	// ErrConfigValidation is returned when a value cannot be coerced to the
	// data point's declared type, or a schema is malformed.
	ErrConfigValidation = errors.New("device: config validation failed")

	// ErrMalformedMessage is returned when a report or command payload does
	// not have the expected shape.
	ErrMalformedMessage = errors.New("device: malformed message")

	// ErrInvalidDescriptor is returned when a discovery descriptor cannot be parsed.
	ErrInvalidDescriptor = errors.New("device: invalid descriptor")

	// ErrDeviceNotFound is returned when no persisted snapshot exists.
	ErrDeviceNotFound = errors.New("device: not found")
)
