package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/tuya-gateway/internal/device"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuya-gateway/internal/protocol"
	"github.com/nerrad567/tuya-gateway/internal/transform"
)

// Worker operation constants.
const (
	// defaultTickInterval is how often the command queue is drained.
	defaultTickInterval = 100 * time.Millisecond

	// defaultQueueSize bounds the command queue.
	defaultQueueSize = 256

	// requestTimeout bounds a single poll or command sent to the device.
	requestTimeout = 5 * time.Second

	// maxCommandAttempts is how many times a transiently failing command
	// is sent before it is dropped.
	maxCommandAttempts = 3

	// clientIDSuffixLen is the length of the random client id suffix.
	clientIDSuffixLen = 8
)

// Worker errors.
var (
	// ErrQueueFull is returned when a command cannot be queued without blocking.
	ErrQueueFull = errors.New("worker: command queue full")

	// ErrStopped is returned when queueing to a stopped worker.
	ErrStopped = errors.New("worker: stopped")
)

// State is a worker lifecycle state.
type State int32

// Worker states.
const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Bus is the per-device MQTT session. *mqtt.Client satisfies it.
type Bus interface {
	ConnectAsync()
	SetOnConnect(callback func())
	AddSubscription(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Close() error
}

// BusFactory opens a bus session with the given client id and Last Will.
type BusFactory func(clientID string, will mqtt.Will) Bus

// Telemetry receives changed data point values. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteDataPoint(deviceID string, dp int, via string, value any) bool
}

// Logger defines the logging interface used by Worker.
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

// Options holds what a worker needs to run one device.
type Options struct {
	// Device is owned by the worker from construction on.
	Device *device.Device

	// Transform maps discovery-sourced devices. Nil for topic-encoded devices.
	Transform *transform.Transform

	// General supplies the legacy payload and availability strings.
	General config.GeneralConfig

	// Bus opens the device's MQTT session.
	Bus BusFactory

	// Dialer opens the device's protocol session.
	Dialer protocol.Dialer

	// Telemetry is optional.
	Telemetry Telemetry

	// ClientIDPrefix starts the MQTT client id ("<prefix>-<deviceid>-<random>").
	ClientIDPrefix string

	// TickInterval defaults to 100ms.
	TickInterval time.Duration

	// QueueSize defaults to 256.
	QueueSize int

	// ReadinessTimeout is how long a discovery device waits for its
	// fragments before a warning is logged. Zero disables the warning.
	ReadinessTimeout time.Duration

	// QoS is used for every publish and subscription.
	QoS byte

	Logger Logger
}

// command runs on the worker goroutine.
type command func(ctx context.Context)

// outbound is a request to the device that may be retried.
type outbound struct {
	desc     string
	call     func(ctx context.Context, session protocol.Session) error
	attempts int
}

// Worker runs one device: its bus session, its protocol session and the
// goroutine that owns the Device.
//
// Bus and protocol callbacks never touch the Device. They queue commands
// that the worker goroutine drains every tick, so all device state is
// mutated from one goroutine.
//
// Thread Safety: Start, Stop, Deliver, Snapshot and State are safe for
// concurrent use.
type Worker struct {
	dev       *device.Device
	transform *transform.Transform
	identity  device.Identity
	namespace string
	general   config.GeneralConfig
	newBus    BusFactory
	dialer    protocol.Dialer
	telemetry Telemetry
	clientID  string
	tick      time.Duration
	readyWarn time.Duration
	qos       byte
	logger    Logger

	queue     chan command
	stop      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	state    atomic.Int32
	snapshot atomic.Pointer[device.Snapshot]

	// Owned by the worker goroutine.
	bus          Bus
	session      protocol.Session
	available    bool
	pendingPoll  bool
	pendingForce bool
	retries      []outbound
}

// New creates a worker. Call Start to run it.
func New(opts Options) (*Worker, error) {
	if opts.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus factory is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("protocol dialer is required")
	}
	if !opts.Device.Valid() {
		return nil, fmt.Errorf("%w: device %q has an incomplete identity", device.ErrConfigValidation, opts.Device.ID())
	}

	tick := opts.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	prefix := opts.ClientIDPrefix
	if prefix == "" {
		prefix = "tuyagateway"
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		dev:       opts.Device,
		transform: opts.Transform,
		identity:  opts.Device.Identity(),
		namespace: opts.Device.Namespace(),
		general:   opts.General,
		newBus:    opts.Bus,
		dialer:    opts.Dialer,
		telemetry: opts.Telemetry,
		clientID:  fmt.Sprintf("%s-%s-%s", prefix, opts.Device.ID(), uuid.NewString()[:clientIDSuffixLen]),
		tick:      tick,
		readyWarn: opts.ReadinessTimeout,
		qos:       opts.QoS,
		logger:    logger,
		queue:     make(chan command, queueSize),
		stop:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	w.storeSnapshot()
	return w, nil
}

// ID returns the device id.
func (w *Worker) ID() string { return w.identity.ID }

// Identity returns the device identity.
func (w *Worker) Identity() device.Identity { return w.identity }

// Namespace returns the device's base topic.
func (w *Worker) Namespace() string { return w.namespace }

// ClientID returns the MQTT client id of the worker's bus session.
func (w *Worker) ClientID() string { return w.clientID }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Snapshot returns the device state as last published by the worker goroutine.
func (w *Worker) Snapshot() device.Snapshot {
	return *w.snapshot.Load()
}

// Start launches the worker goroutine and returns immediately. The worker
// stops when Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		select {
		case <-w.stop:
			return
		default:
		}

		w.wg.Add(1)
		go w.run(ctx)
	})
}

// Stop signals the worker to stop and waits for its goroutine to exit.
// Safe to call more than once and before Start.
func (w *Worker) Stop() {
	w.signalStop()
	w.wg.Wait()
	w.state.Store(int32(StateStopped))
}

func (w *Worker) signalStop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.cancel()
	})
}

// Deliver queues a bus message as if it had arrived on the worker's own
// session. The supervisor uses it to hand over the command that created
// a topic-encoded worker.
func (w *Worker) Deliver(topic string, payload []byte) error {
	return w.onBusMessage(topic, payload)
}

// enqueue queues cmd without blocking the caller's goroutine.
func (w *Worker) enqueue(cmd command) error {
	select {
	case <-w.stop:
		return ErrStopped
	default:
	}

	select {
	case w.queue <- cmd:
		return nil
	case <-w.stop:
		return ErrStopped
	default:
		return ErrQueueFull
	}
}

func (w *Worker) run(parent context.Context) {
	defer w.wg.Done()
	defer w.state.Store(int32(StateStopped))

	stopWithParent := context.AfterFunc(parent, w.signalStop)
	defer stopWithParent()

	if !w.awaitReady() {
		return
	}

	w.connectBus()
	w.session = w.dialer.Dial(w.deviceInfo(), protocol.Handlers{
		OnConnected: w.onProtocolConnected,
		OnStatus:    w.onProtocolStatus,
	})

	// Initial poll; it runs once the device link is up.
	w.pendingPoll, w.pendingForce = true, true

	w.state.Store(int32(StateRunning))
	w.logger.Info("device worker running",
		"device_id", w.identity.ID,
		"namespace", w.namespace,
		"client_id", w.clientID,
	)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		w.drain()
		w.retry()

		select {
		case <-ticker.C:
		case <-w.stop:
			w.shutdown()
			return
		}
	}
}

// awaitReady blocks until the transform is ready. Returns false if the
// worker was stopped first.
func (w *Worker) awaitReady() bool {
	if w.transform == nil {
		return true
	}

	select {
	case <-w.transform.Ready():
		return true
	default:
	}

	w.logger.Debug("waiting for discovery config",
		"device_id", w.identity.ID,
		"components", w.transform.Components(),
	)

	var warn <-chan time.Time
	if w.readyWarn > 0 {
		timer := time.NewTimer(w.readyWarn)
		defer timer.Stop()
		warn = timer.C
	}

	for {
		select {
		case <-w.transform.Ready():
			return true
		case <-w.stop:
			return false
		case <-warn:
			warn = nil
			w.logger.Warn("still waiting for discovery config",
				"device_id", w.identity.ID,
				"pending_dps", w.transform.Pending(),
				"waited", w.readyWarn,
			)
		}
	}
}

// drain runs every queued command.
func (w *Worker) drain() {
	for {
		select {
		case cmd := <-w.queue:
			cmd(w.ctx)
		default:
			return
		}
		if w.ctx.Err() != nil {
			return
		}
	}
}

// retry resends a failed poll and failed commands from earlier ticks.
func (w *Worker) retry() {
	if w.pendingPoll && w.session.Connected() {
		w.poll(w.ctx, false)
	}

	pending := w.retries
	w.retries = nil
	for _, out := range pending {
		w.send(w.ctx, out)
	}
}

func (w *Worker) shutdown() {
	w.state.Store(int32(StateStopping))
	w.logger.Info("stopping device worker", "device_id", w.identity.ID)

	if w.session != nil {
		if err := w.session.Close(); err != nil {
			w.logger.Warn("closing protocol session", "device_id", w.identity.ID, "error", err)
		}
	}

	w.setAvailability(false)

	if w.bus != nil {
		if err := w.bus.Close(); err != nil {
			w.logger.Warn("closing bus session", "device_id", w.identity.ID, "error", err)
		}
	}
}

func (w *Worker) deviceInfo() protocol.DeviceInfo {
	return protocol.DeviceInfo{
		ID:          w.identity.ID,
		LocalKey:    w.identity.LocalKey,
		Address:     w.identity.Address,
		Version:     w.identity.Protocol,
		PollCommand: w.dev.PollCommand(),
	}
}

// storeSnapshot publishes the current device state to Snapshot readers.
func (w *Worker) storeSnapshot() {
	snap := w.dev.Snapshot()
	w.snapshot.Store(&snap)
}

// =============================================================================
// Protocol events (protocol session goroutine)
// =============================================================================

func (w *Worker) onProtocolConnected(connected bool) {
	err := w.enqueue(func(ctx context.Context) {
		w.setAvailability(connected)
		if connected {
			w.poll(ctx, true)
		}
	})
	if err != nil {
		w.logger.Warn("dropping connection event", "device_id", w.identity.ID, "error", err)
	}
}

// onBusConnected runs on every connect of the worker's own bus session.
// Retained availability may be stale or missing (a publish made before the
// session was up, or the broker's Last Will after an unclean drop), so it is
// republished regardless of the debounce, followed by a forced poll.
func (w *Worker) onBusConnected() {
	err := w.enqueue(func(ctx context.Context) {
		w.publishAvailability(w.available)
		if w.available {
			w.poll(ctx, true)
		}
	})
	if err != nil {
		w.logger.Debug("dropping bus connect event", "device_id", w.identity.ID, "error", err)
	}
}

func (w *Worker) onProtocolStatus(dps map[string]any, via string) {
	source := device.SourceDevice
	if via == protocol.ViaCommand {
		source = device.SourceBus
	}

	err := w.enqueue(func(context.Context) {
		w.applyReport(dps, source, false)
	})
	if err != nil {
		w.logger.Warn("dropping status report", "device_id", w.identity.ID, "error", err)
	}
}

// =============================================================================
// Device I/O (worker goroutine)
// =============================================================================

// poll requests a full status. A failure is retried on the next tick.
func (w *Worker) poll(ctx context.Context, force bool) {
	force = force || w.pendingForce

	pollCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	dps, err := w.session.Status(pollCtx)
	cancel()
	if err != nil {
		w.pendingPoll, w.pendingForce = true, force
		w.logger.Debug("status poll failed, retrying next tick",
			"device_id", w.identity.ID,
			"error", err,
		)
		return
	}

	w.pendingPoll, w.pendingForce = false, false
	w.applyReport(dps, device.SourceDevice, force)
}

// send issues a device request, keeping transient failures for the next tick.
func (w *Worker) send(ctx context.Context, out outbound) {
	sendCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	err := out.call(sendCtx, w.session)
	cancel()
	if err == nil {
		return
	}

	out.attempts++
	if protocol.IsTransient(err) && out.attempts < maxCommandAttempts && ctx.Err() == nil {
		w.logger.Debug("command failed, retrying next tick",
			"device_id", w.identity.ID,
			"command", out.desc,
			"attempt", out.attempts,
			"error", err,
		)
		w.retries = append(w.retries, out)
		return
	}

	w.logger.Warn("command dispatch failed",
		"device_id", w.identity.ID,
		"command", out.desc,
		"attempts", out.attempts,
		"error", err,
	)
}

// applyReport ingests a device report and publishes what changed.
// With force every data point is republished.
func (w *Worker) applyReport(report map[string]any, source device.Source, force bool) {
	if err := w.dev.ApplyDeviceReport(report, source); err != nil {
		w.logger.Warn("dropping device report", "device_id", w.identity.ID, "error", err)
		return
	}

	changed := w.dev.Changed()
	for _, id := range changed {
		w.recordTelemetry(id)
	}

	ids := changed
	if force {
		ids = w.dev.DataPointIDs()
	}
	w.publishDataPoints(ids)
	w.storeSnapshot()
}

func (w *Worker) recordTelemetry(id int) {
	if w.telemetry == nil {
		return
	}
	dp, ok := w.dev.DataPoint(id)
	if !ok {
		return
	}
	value, ok := dp.Output()
	if !ok {
		return
	}
	w.telemetry.WriteDataPoint(w.identity.ID, id, string(dp.Source()), value)
}
