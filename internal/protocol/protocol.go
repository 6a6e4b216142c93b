package protocol

import (
	"context"
	"errors"
)

// Protocol errors.
var (
	// ErrProtocol is returned when the agent or device rejects a request.
	ErrProtocol = errors.New("protocol: request failed")

	// ErrNotConnected is returned when the device link is down.
	ErrNotConnected = errors.New("protocol: not connected")

	// ErrTimeout is returned when a request gets no answer in time.
	ErrTimeout = errors.New("protocol: timeout")

	// ErrClosed is returned after the session has been closed.
	ErrClosed = errors.New("protocol: session closed")
)

// Status report origins.
const (
	// ViaDevice marks a report the device sent on its own or in reply to a poll.
	ViaDevice = "device"

	// ViaCommand marks a report confirming a command sent from the bus.
	ViaCommand = "command"
)

// DeviceInfo is what the protocol agent needs to reach one device.
type DeviceInfo struct {
	ID          string `json:"deviceid"`
	LocalKey    string `json:"localkey"`
	Address     string `json:"ip"`
	Version     string `json:"protocol"`
	PollCommand int    `json:"pref_status_cmd"`
}

// Handlers receive asynchronous session events. They run on the session's
// own goroutine and must not block.
type Handlers struct {
	// OnConnected is called whenever the device link comes up or goes down.
	OnConnected func(connected bool)

	// OnStatus is called for unsolicited status reports.
	OnStatus func(dps map[string]any, via string)
}

// Session is a live connection to one device.
type Session interface {
	// Status polls the device for every data point value.
	Status(ctx context.Context) (map[string]any, error)

	// SetState writes one data point.
	SetState(ctx context.Context, dp int, value any) error

	// SetStatus writes several data points at once.
	SetStatus(ctx context.Context, dps map[int]any) error

	// Connected reports whether the device link is currently up.
	Connected() bool

	// Close ends the session and waits for its goroutines. Safe to call
	// more than once.
	Close() error
}

// Dialer opens device sessions. Dial returns immediately; the session
// connects in the background and reports through handlers.
type Dialer interface {
	Dial(info DeviceInfo, handlers Handlers) Session
}
