package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/tuya-gateway/internal/device"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuya-gateway/internal/protocol"
	"github.com/nerrad567/tuya-gateway/internal/transform"
	"github.com/nerrad567/tuya-gateway/internal/worker"
)

// Supervisor operation constants.
const (
	// eventBufferSize bounds the dispatch queue.
	eventBufferSize = 1024

	// sweepTimeout bounds one persistence sweep.
	sweepTimeout = 30 * time.Second

	// defaultSweepInitialDelay and defaultSweepInterval apply when config leaves them unset.
	defaultSweepInitialDelay = 60 * time.Second
	defaultSweepInterval     = 300 * time.Second
)

// Supervisor errors.
var (
	// ErrDuplicateIdentity is logged when a new device claims the address
	// of a running one under another id.
	ErrDuplicateIdentity = errors.New("gateway: duplicate device identity")

	// ErrStopped is returned by requests made after Stop.
	ErrStopped = errors.New("gateway: supervisor stopped")
)

// Logger defines the logging interface used by Supervisor.
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

// Subscriber is the shared gateway MQTT session. *mqtt.Client satisfies it.
type Subscriber interface {
	AddSubscription(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Options holds the supervisor's collaborators.
type Options struct {
	// Config is the loaded gateway configuration.
	Config *config.Config

	// Repository persists device snapshots. Optional.
	Repository device.Repository

	// Bus opens each worker's MQTT session.
	Bus worker.BusFactory

	// Dialer opens each worker's protocol session.
	Dialer protocol.Dialer

	// Telemetry is handed to every worker. Optional.
	Telemetry worker.Telemetry

	Logger Logger
}

// entry is one registered device.
type entry struct {
	worker    *worker.Worker
	transform *transform.Transform
}

// DeviceStatus is a read-only view of one registered device.
type DeviceStatus struct {
	ID           string
	Namespace    string
	State        worker.State
	TopicEncoded bool
	Ready        bool
	Snapshot     device.Snapshot
}

// Supervisor owns the registry of device workers.
//
// MQTT callbacks and API requests are turned into events run on a single
// dispatch goroutine, which is the only writer of the registry and the
// discovery config caches.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Supervisor struct {
	cfg       *config.Config
	topics    mqtt.Topics
	repo      device.Repository
	newBus    worker.BusFactory
	dialer    protocol.Dialer
	telemetry worker.Telemetry
	logger    Logger

	sweepInitialDelay time.Duration
	sweepInterval     time.Duration

	events    chan func()
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
	ctx       context.Context

	// Owned by the dispatch goroutine.
	registry   map[string]*entry
	dpConfigs  map[string]map[int]transform.DataPointConfig
	components map[string]transform.ComponentConfig
}

// New creates a Supervisor. Call Start to begin dispatching.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus factory is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("protocol dialer is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	initialDelay := opts.Config.GetSweepInitialDelay()
	if initialDelay <= 0 {
		initialDelay = defaultSweepInitialDelay
	}
	interval := opts.Config.GetSweepInterval()
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	return &Supervisor{
		cfg:               opts.Config,
		topics:            mqtt.NewTopics(opts.Config.General),
		repo:              opts.Repository,
		newBus:            opts.Bus,
		dialer:            opts.Dialer,
		telemetry:         opts.Telemetry,
		logger:            logger,
		sweepInitialDelay: initialDelay,
		sweepInterval:     interval,
		events:            make(chan func(), eventBufferSize),
		done:              make(chan struct{}),
		ctx:               context.Background(),
		registry:          make(map[string]*entry),
		dpConfigs:         make(map[string]map[int]transform.DataPointConfig),
		components:        make(map[string]transform.ComponentConfig),
	}, nil
}

// Subscribe registers the gateway-wide subscriptions on the shared session.
func (s *Supervisor) Subscribe(sub Subscriber) error {
	for _, filter := range s.topics.GatewaySubscriptions() {
		if err := sub.AddSubscription(filter, byte(s.cfg.MQTT.QoS), s.HandleMessage); err != nil {
			return fmt.Errorf("subscribing to %s: %w", filter, err)
		}
	}
	return nil
}

// Start launches the dispatch goroutine. Workers started later inherit ctx.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx = ctx
		s.wg.Add(1)
		go s.dispatch(ctx)
	})
}

// Stop stops every worker, persists their final snapshots and waits for
// the dispatch goroutine to exit. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// post queues fn for the dispatch goroutine.
func (s *Supervisor) post(fn func()) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	select {
	case s.events <- fn:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// call runs fn on the dispatch goroutine and waits for it to finish.
func (s *Supervisor) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := s.post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

func (s *Supervisor) dispatch(ctx context.Context) {
	defer s.wg.Done()

	sweep := time.NewTimer(s.sweepInitialDelay)
	defer sweep.Stop()

	s.logger.Info("supervisor started",
		"sweep_initial_delay", s.sweepInitialDelay,
		"sweep_interval", s.sweepInterval,
	)

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-sweep.C:
			s.sweep(ctx)
			sweep.Reset(s.sweepInterval)
		case <-s.done:
			s.shutdown(ctx)
			return
		case <-ctx.Done():
			s.stopOnce.Do(func() { close(s.done) })
			s.shutdown(ctx)
			return
		}
	}
}

// shutdown stops every worker then saves their last snapshots.
func (s *Supervisor) shutdown(ctx context.Context) {
	s.logger.Info("stopping supervisor", "devices", len(s.registry))

	for _, e := range s.registry {
		e.worker.Stop()
	}
	s.sweep(context.WithoutCancel(ctx))
	clear(s.registry)
}

// sweep upserts every worker's snapshot. Failures are logged; the next
// sweep tries again.
func (s *Supervisor) sweep(ctx context.Context) {
	if s.repo == nil || len(s.registry) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	saved := 0
	for _, key := range slices.Sorted(maps.Keys(s.registry)) {
		snapshot := s.registry[key].worker.Snapshot()
		changed, err := s.repo.Upsert(ctx, snapshot)
		if err != nil {
			s.logger.Warn("persisting device", "device_id", key, "error", err)
			continue
		}
		if changed {
			saved++
		}
	}
	s.logger.Debug("persistence sweep complete", "devices", len(s.registry), "saved", saved)
}

// Sweep persists every worker snapshot now.
func (s *Supervisor) Sweep(ctx context.Context) error {
	return s.call(ctx, func() { s.sweep(ctx) })
}

// Restore starts a worker for every valid persisted device. Call it after
// Start and before subscribing, so retained discovery messages replace
// restored workers rather than race them.
func (s *Supervisor) Restore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	snapshots, err := s.repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	return s.call(ctx, func() {
		restored := 0
		for _, key := range slices.Sorted(maps.Keys(snapshots)) {
			if s.restore(key, snapshots[key]) {
				restored++
			}
		}
		s.logger.Info("devices restored", "restored", restored, "stored", len(snapshots))
	})
}

func (s *Supervisor) restore(key string, snapshot device.Snapshot) bool {
	if _, exists := s.registry[key]; exists {
		return false
	}

	dev := device.FromSnapshot(snapshot, device.Options{
		Root:   s.cfg.General.TopicRoot,
		Logger: s.logger,
	})
	if !dev.Valid() {
		s.logger.Warn("skipping stored device with incomplete identity", "device_id", key)
		return false
	}

	var tr *transform.Transform
	if !dev.TopicEncoded() {
		tr = s.newTransform(dev, slices.Sorted(maps.Keys(snapshot.Attributes.DPS)))
	}
	return s.startWorker(dev, tr) != nil
}

// Devices returns every registered device, sorted by id.
func (s *Supervisor) Devices(ctx context.Context) ([]DeviceStatus, error) {
	var out []DeviceStatus
	err := s.call(ctx, func() {
		out = make([]DeviceStatus, 0, len(s.registry))
		for _, key := range slices.Sorted(maps.Keys(s.registry)) {
			out = append(out, s.status(s.registry[key]))
		}
	})
	return out, err
}

// Device returns one registered device.
func (s *Supervisor) Device(ctx context.Context, id string) (DeviceStatus, error) {
	var (
		out   DeviceStatus
		found bool
	)
	err := s.call(ctx, func() {
		if e, ok := s.registry[id]; ok {
			out, found = s.status(e), true
		}
	})
	if err != nil {
		return DeviceStatus{}, err
	}
	if !found {
		return DeviceStatus{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}
	return out, nil
}

func (s *Supervisor) status(e *entry) DeviceStatus {
	snapshot := e.worker.Snapshot()
	return DeviceStatus{
		ID:           e.worker.ID(),
		Namespace:    e.worker.Namespace(),
		State:        e.worker.State(),
		TopicEncoded: snapshot.TopicConfig,
		Ready:        e.transform == nil || e.transform.IsReady(),
		Snapshot:     snapshot,
	}
}

// startWorker registers and starts a worker for dev.
func (s *Supervisor) startWorker(dev *device.Device, tr *transform.Transform) *worker.Worker {
	w, err := worker.New(worker.Options{
		Device:           dev,
		Transform:        tr,
		General:          s.cfg.General,
		Bus:              s.newBus,
		Dialer:           s.dialer,
		Telemetry:        s.telemetry,
		ClientIDPrefix:   s.cfg.MQTT.Broker.ClientID,
		TickInterval:     s.cfg.GetTickInterval(),
		QueueSize:        s.cfg.Worker.QueueSize,
		ReadinessTimeout: s.cfg.GetReadinessTimeout(),
		QoS:              byte(s.cfg.MQTT.QoS),
		Logger:           s.logger,
	})
	if err != nil {
		s.logger.Warn("not starting device worker", "device_id", dev.ID(), "error", err)
		return nil
	}

	s.registry[dev.ID()] = &entry{worker: w, transform: tr}
	w.Start(s.ctx)

	s.logger.Info("device worker started",
		"device_id", dev.ID(),
		"namespace", dev.Namespace(),
		"topic_encoded", dev.TopicEncoded(),
	)
	return w
}

// newTransform builds a transform for dev and feeds it every cached fragment.
func (s *Supervisor) newTransform(dev *device.Device, dps []int) *transform.Transform {
	tr := transform.New(dev.ID(), dev.Namespace(), dps, nil)
	for _, cfg := range s.components {
		tr.SetComponentConfig(cfg)
	}
	for _, cfg := range s.dpConfigs[dev.ID()] {
		tr.SetDataPointConfig(cfg)
	}
	return tr
}

// servedAddress returns the id of the worker bound to address, if any.
func (s *Supervisor) servedAddress(address string) (string, bool) {
	if address == "" {
		return "", false
	}
	for _, k := range slices.Sorted(maps.Keys(s.registry)) {
		if s.registry[k].worker.Identity().Address == address {
			return k, true
		}
	}
	return "", false
}

// removeMatching stops and forgets every worker registered under key or
// bound to address, deleting their persisted rows.
func (s *Supervisor) removeMatching(key, address string) {
	for _, k := range slices.Sorted(maps.Keys(s.registry)) {
		e := s.registry[k]
		sameAddress := address != "" && e.worker.Identity().Address == address
		if k != key && !sameAddress {
			continue
		}
		if k != key {
			s.logger.Warn("replacing device with the same address",
				"device_id", key,
				"replaced_id", k,
				"address", address,
				"error", ErrDuplicateIdentity,
			)
		}

		e.worker.Stop()
		delete(s.registry, k)

		if s.repo != nil {
			if err := s.repo.Delete(s.ctx, e.worker.Snapshot()); err != nil {
				s.logger.Warn("deleting stored device", "device_id", k, "error", err)
			}
		}
		s.logger.Info("device worker removed", "device_id", k)
	}
}
