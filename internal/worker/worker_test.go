package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/tuya-gateway/internal/device"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuya-gateway/internal/protocol"
	"github.com/nerrad567/tuya-gateway/internal/transform"
)

const (
	waitFor  = 2 * time.Second
	pollStep = 5 * time.Millisecond

	legacyNS = "tuya/3.3/bf12ab/0123456789abcdef/192.168.1.20"
)

// =============================================================================
// Fakes
// =============================================================================

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeBus struct {
	mu        sync.Mutex
	onConnect func()
	clientID  string
	will      mqtt.Will
	subs      map[string]mqtt.MessageHandler
	published []published
	connects  int
	closes    int
}

func (b *fakeBus) ConnectAsync() {
	b.mu.Lock()
	b.connects++
	b.mu.Unlock()
}

func (b *fakeBus) SetOnConnect(callback func()) {
	b.mu.Lock()
	b.onConnect = callback
	b.mu.Unlock()
}

// connect runs the connect callback the way paho does after a (re)connect.
func (b *fakeBus) connect() {
	b.mu.Lock()
	callback := b.onConnect
	b.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func (b *fakeBus) AddSubscription(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	b.subs[topic] = handler
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	b.published = append(b.published, published{topic: topic, payload: string(payload), retained: retained})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()
	return nil
}

// deliver calls every handler whose filter matches topic.
func (b *fakeBus) deliver(topic string, payload string) {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range b.subs {
		if filter == topic || strings.HasSuffix(filter, "/#") && strings.HasPrefix(topic, strings.TrimSuffix(filter, "#")) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, []byte(payload)) //nolint:errcheck // Test delivery
	}
}

func (b *fakeBus) messages() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func (b *fakeBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	return topics
}

type setStateCall struct {
	dp    int
	value any
}

type fakeSession struct {
	handlers protocol.Handlers
	info     protocol.DeviceInfo

	mu          sync.Mutex
	status      map[string]any
	statusErrs  []error
	setErrs     []error
	statusCalls int
	setStates   []setStateCall
	setStatuses []map[int]any

	connected atomic.Bool
	closes    atomic.Int32
}

func (s *fakeSession) Status(context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	if len(s.statusErrs) > 0 {
		err := s.statusErrs[0]
		s.statusErrs = s.statusErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]any, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out, nil
}

func (s *fakeSession) nextSetErr() error {
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *fakeSession) SetState(_ context.Context, dp int, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStates = append(s.setStates, setStateCall{dp: dp, value: value})
	return s.nextSetErr()
}

func (s *fakeSession) SetStatus(_ context.Context, dps map[int]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatuses = append(s.setStatuses, dps)
	return s.nextSetErr()
}

func (s *fakeSession) Connected() bool { return s.connected.Load() }

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSession) calls() []setStateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]setStateCall(nil), s.setStates...)
}

func (s *fakeSession) polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

// linkUp reports the device as connected the way the protocol goroutine
// would. Connected() stays false so pending polls are not retried behind
// the test's back.
func (s *fakeSession) linkUp() {
	s.handlers.OnConnected(true)
}

type fakeDialer struct {
	mu       sync.Mutex
	template *fakeSession
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(info protocol.DeviceInfo, handlers protocol.Handlers) protocol.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.template
	if s == nil {
		s = &fakeSession{}
	}
	d.template = nil
	s.info = info
	s.handlers = handlers
	d.sessions = append(d.sessions, s)
	return s
}

func (d *fakeDialer) session() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

type fakeTelemetry struct {
	mu     sync.Mutex
	writes []string
}

func (f *fakeTelemetry) WriteDataPoint(deviceID string, dp int, via string, value any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, deviceID+"/"+transform.FormatValue(dp)+"/"+via+"="+transform.FormatValue(value))
	return true
}

// =============================================================================
// Helpers
// =============================================================================

type harness struct {
	worker *Worker
	bus    *fakeBus
	dialer *fakeDialer
}

func testIdentity() device.Identity {
	return device.Identity{ID: "bf12ab", LocalKey: "0123456789abcdef", Address: "192.168.1.20", Protocol: "3.3"}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		bus:    &fakeBus{subs: make(map[string]mqtt.MessageHandler)},
		dialer: &fakeDialer{},
	}
	if opts.Device == nil {
		opts.Device = device.New(testIdentity(), device.Options{Root: "tuya", TopicEncoded: true})
	}
	opts.General = config.Default().General
	opts.Bus = func(clientID string, will mqtt.Will) Bus {
		h.bus.mu.Lock()
		h.bus.clientID = clientID
		h.bus.will = will
		h.bus.mu.Unlock()
		return h.bus
	}
	opts.Dialer = h.dialer
	opts.TickInterval = 5 * time.Millisecond

	w, err := New(opts)
	require.NoError(t, err)
	h.worker = w
	t.Cleanup(w.Stop)
	return h
}

func (h *harness) start(t *testing.T) *fakeSession {
	t.Helper()
	h.worker.Start(context.Background())
	require.Eventually(t, func() bool { return h.worker.State() == StateRunning }, waitFor, pollStep)
	return h.dialer.session()
}

func topicsOf(msgs []published) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.topic)
	}
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_Validation(t *testing.T) {
	dev := device.New(testIdentity(), device.Options{Root: "tuya"})
	bus := func(string, mqtt.Will) Bus { return &fakeBus{} }

	_, err := New(Options{Bus: bus, Dialer: &fakeDialer{}})
	assert.Error(t, err)

	_, err = New(Options{Device: dev, Dialer: &fakeDialer{}})
	assert.Error(t, err)

	_, err = New(Options{Device: dev, Bus: bus})
	assert.Error(t, err)

	invalid := device.New(device.Identity{ID: "bf12ab"}, device.Options{Root: "tuya"})
	_, err = New(Options{Device: invalid, Bus: bus, Dialer: &fakeDialer{}})
	assert.ErrorIs(t, err, device.ErrConfigValidation)
}

func TestWorker_StartOpensSessions(t *testing.T) {
	h := newHarness(t, Options{ClientIDPrefix: "gw"})
	session := h.start(t)
	require.NotNil(t, session)

	assert.Equal(t, protocol.DeviceInfo{
		ID: "bf12ab", LocalKey: "0123456789abcdef", Address: "192.168.1.20", Version: "3.3", PollCommand: 10,
	}, session.info)

	h.bus.mu.Lock()
	defer h.bus.mu.Unlock()
	assert.True(t, strings.HasPrefix(h.bus.clientID, "gw-bf12ab-"))
	assert.Len(t, h.bus.clientID, len("gw-bf12ab-")+clientIDSuffixLen)
	assert.Equal(t, mqtt.Will{Topic: legacyNS + "/availability", Payload: "offline", Retained: true}, h.bus.will)
	assert.Contains(t, h.bus.subs, legacyNS+"/#")
	assert.Equal(t, 1, h.bus.connects)
}

func TestWorker_ReportPublishesStateThenAttributes(t *testing.T) {
	telemetry := &fakeTelemetry{}
	h := newHarness(t, Options{Telemetry: telemetry})
	session := h.start(t)

	session.handlers.OnStatus(map[string]any{"1": float64(1)}, protocol.ViaDevice)

	require.Eventually(t, func() bool { return len(h.bus.messages()) == 3 }, waitFor, pollStep)
	msgs := h.bus.messages()
	assert.Equal(t, []string{
		legacyNS + "/1/state",
		legacyNS + "/1/attributes",
		legacyNS + "/attributes",
	}, topicsOf(msgs))
	assert.Equal(t, "ON", msgs[0].payload)
	assert.JSONEq(t, `{"dps":{"1":true},"via":{"1":"device"},"changed":{"1":true}}`, msgs[1].payload)
	assert.JSONEq(t, `{"dps":{"1":true},"via":{"1":"device"},"changed":{"1":true}}`, msgs[2].payload)

	snap := h.worker.Snapshot()
	assert.Equal(t, true, snap.Attributes.DPS[1])
	assert.Equal(t, device.SourceDevice, snap.Attributes.Via[1])
	assert.True(t, snap.Attributes.Changed[1])

	telemetry.mu.Lock()
	assert.Equal(t, []string{"bf12ab/1/device=true"}, telemetry.writes)
	telemetry.mu.Unlock()
}

func TestWorker_UnchangedReportPublishesNothing(t *testing.T) {
	h := newHarness(t, Options{})
	session := h.start(t)

	session.handlers.OnStatus(map[string]any{"1": true}, protocol.ViaDevice)
	require.Eventually(t, func() bool { return len(h.bus.messages()) == 3 }, waitFor, pollStep)

	session.handlers.OnStatus(map[string]any{"1": true}, protocol.ViaDevice)
	session.handlers.OnStatus(map[string]any{"1": false}, protocol.ViaCommand)
	require.Eventually(t, func() bool { return len(h.bus.messages()) == 6 }, waitFor, pollStep)

	msgs := h.bus.messages()
	assert.Equal(t, "OFF", msgs[3].payload)
	assert.Equal(t, device.SourceBus, h.worker.Snapshot().Attributes.Via[1])
}

func TestWorker_ConnectPublishesAvailabilityAndForcedPoll(t *testing.T) {
	h := newHarness(t, Options{})
	h.dialer.template = &fakeSession{status: map[string]any{"1": true, "2": "x"}}
	session := h.start(t)

	session.linkUp()

	require.Eventually(t, func() bool { return len(h.bus.messages()) == 6 }, waitFor, pollStep)
	msgs := h.bus.messages()
	assert.Equal(t, published{topic: legacyNS + "/availability", payload: "online", retained: true}, msgs[0])
	assert.Equal(t, []string{
		legacyNS + "/availability",
		legacyNS + "/1/state",
		legacyNS + "/1/attributes",
		legacyNS + "/2/state",
		legacyNS + "/2/attributes",
		legacyNS + "/attributes",
	}, topicsOf(msgs))

	// A reconnect republishes everything even though nothing changed.
	session.handlers.OnConnected(true)
	require.Eventually(t, func() bool { return len(h.bus.messages()) == 11 }, waitFor, pollStep)
	assert.NotContains(t, topicsOf(h.bus.messages()[6:]), legacyNS+"/availability")
}

func TestWorker_AvailabilityDebounced(t *testing.T) {
	h := newHarness(t, Options{})
	session := h.start(t)

	session.handlers.OnConnected(false)
	session.handlers.OnConnected(true)
	session.handlers.OnConnected(true)
	session.handlers.OnConnected(false)
	session.handlers.OnConnected(false)

	require.Eventually(t, func() bool { return session.polls() >= 2 }, waitFor, pollStep)
	require.Eventually(t, func() bool { return len(h.bus.messages()) == 2 }, waitFor, pollStep)

	msgs := h.bus.messages()
	assert.Equal(t, "online", msgs[0].payload)
	assert.Equal(t, "offline", msgs[1].payload)
	assert.True(t, msgs[0].retained)
	assert.True(t, msgs[1].retained)
}

func TestWorker_BusReconnectRepublishesAvailability(t *testing.T) {
	h := newHarness(t, Options{})
	h.dialer.template = &fakeSession{status: map[string]any{"1": true}}
	session := h.start(t)

	session.linkUp()
	require.Eventually(t, func() bool { return len(h.bus.messages()) == 4 }, waitFor, pollStep)
	polls := session.polls()

	// The broker may hold the Last Will now; the session comes back.
	h.bus.connect()

	require.Eventually(t, func() bool { return len(h.bus.messages()) == 8 }, waitFor, pollStep)
	msgs := h.bus.messages()[4:]
	assert.Equal(t, published{topic: legacyNS + "/availability", payload: "online", retained: true}, msgs[0])
	assert.Equal(t, []string{
		legacyNS + "/availability",
		legacyNS + "/1/state",
		legacyNS + "/1/attributes",
		legacyNS + "/attributes",
	}, topicsOf(msgs))
	assert.Equal(t, polls+1, session.polls())
}

func TestWorker_BusConnectBeforeDeviceLink(t *testing.T) {
	h := newHarness(t, Options{})
	session := h.start(t)

	h.bus.connect()

	require.Eventually(t, func() bool { return len(h.bus.messages()) == 1 }, waitFor, pollStep)
	assert.Equal(t, published{topic: legacyNS + "/availability", payload: "offline", retained: true}, h.bus.messages()[0])
	assert.Zero(t, session.polls())
}

func TestWorker_FailedPollRetriedNextTick(t *testing.T) {
	h := newHarness(t, Options{})
	template := &fakeSession{
		status:     map[string]any{"1": true},
		statusErrs: []error{protocol.ErrTimeout, protocol.ErrTimeout},
	}
	template.connected.Store(true)
	h.dialer.template = template
	session := h.start(t)

	// The initial poll fails twice and succeeds on the third tick.
	require.Eventually(t, func() bool { return len(h.bus.messages()) == 3 }, waitFor, pollStep)
	assert.Equal(t, 3, session.polls())
	assert.Equal(t, []string{
		legacyNS + "/1/state",
		legacyNS + "/1/attributes",
		legacyNS + "/attributes",
	}, topicsOf(h.bus.messages()))
}

func TestWorker_CommandToUnseenDataPoint(t *testing.T) {
	h := newHarness(t, Options{})
	session := h.start(t)

	h.bus.deliver(legacyNS+"/3/command", "ON")

	require.Eventually(t, func() bool { return len(session.calls()) == 1 }, waitFor, pollStep)
	assert.Equal(t, setStateCall{dp: 3, value: true}, session.calls()[0])
}

func TestWorker_OnOffPayloadsKeepNonBoolTypes(t *testing.T) {
	dev := device.New(testIdentity(), device.Options{
		Root:         "tuya",
		TopicEncoded: true,
		Schemas: []device.Schema{
			{ID: 2, Type: device.TypeString, Minimum: ptr(0), Maximum: ptr(16)},
			{ID: 3, Type: device.TypeInt, Minimum: ptr(0), Maximum: ptr(100)},
		},
	})
	h := newHarness(t, Options{Device: dev})
	session := h.start(t)

	h.bus.deliver(legacyNS+"/2/command", "ON")
	h.bus.deliver(legacyNS+"/2/command", "OFF")
	h.bus.deliver(legacyNS+"/3/command", "42")
	h.bus.deliver(legacyNS+"/1/command", "ON")

	require.Eventually(t, func() bool { return len(session.calls()) == 4 }, waitFor, pollStep)
	assert.Equal(t, []setStateCall{{2, "ON"}, {2, "OFF"}, {3, 42}, {1, true}}, session.calls())
}

func TestWorker_CommandsRunInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	session := h.start(t)

	h.bus.deliver(legacyNS+"/1/command", "ON")
	h.bus.deliver(legacyNS+"/1/command", "OFF")
	h.bus.deliver(legacyNS+"/1/state", "ignored")
	h.bus.deliver(legacyNS+"/1/command", "1")

	require.Eventually(t, func() bool { return len(session.calls()) == 3 }, waitFor, pollStep)
	assert.Equal(t, []setStateCall{{1, true}, {1, false}, {1, true}}, session.calls())
}

func TestWorker_DeviceCommandSendsNamedDataPoints(t *testing.T) {
	dev := device.New(testIdentity(), device.Options{
		Root:         "tuya",
		TopicEncoded: true,
		Schemas:      []device.Schema{{ID: 2, Type: device.TypeInt, Minimum: ptr(0), Maximum: ptr(100)}},
	})
	h := newHarness(t, Options{Device: dev})
	session := h.start(t)

	h.bus.deliver(legacyNS+"/command", `{"1":"OFF","2":150}`)
	h.bus.deliver(legacyNS+"/command", `{"2":5}`)
	h.bus.deliver(legacyNS+"/command", `not json`)

	require.Eventually(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.setStatuses) == 2
	}, waitFor, pollStep)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, map[int]any{1: false, 2: 100}, session.setStatuses[0])
	assert.Equal(t, map[int]any{2: 5}, session.setStatuses[1])
}

func TestWorker_TransientCommandFailureRetried(t *testing.T) {
	h := newHarness(t, Options{})
	h.dialer.template = &fakeSession{setErrs: []error{protocol.ErrNotConnected}}
	session := h.start(t)

	h.bus.deliver(legacyNS+"/1/command", "ON")

	require.Eventually(t, func() bool { return len(session.calls()) == 2 }, waitFor, pollStep)
	assert.Equal(t, session.calls()[0], session.calls()[1])
}

func TestWorker_PermanentCommandFailureDropped(t *testing.T) {
	h := newHarness(t, Options{})
	h.dialer.template = &fakeSession{setErrs: []error{protocol.ErrClosed}}
	session := h.start(t)

	h.bus.deliver(legacyNS+"/1/command", "ON")
	require.Eventually(t, func() bool { return len(session.calls()) == 1 }, waitFor, pollStep)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, session.calls(), 1)
}

func TestWorker_DeliverQueuesCommand(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.worker.Deliver(legacyNS+"/1/command", []byte("OFF")))
	session := h.start(t)

	require.Eventually(t, func() bool { return len(session.calls()) == 1 }, waitFor, pollStep)
	assert.Equal(t, setStateCall{dp: 1, value: false}, session.calls()[0])
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	session := h.start(t)
	session.linkUp()
	require.Eventually(t, func() bool { return len(h.bus.messages()) >= 1 }, waitFor, pollStep)

	h.worker.Stop()
	h.worker.Stop()

	assert.Equal(t, StateStopped, h.worker.State())
	assert.Equal(t, int32(1), session.closes.Load())
	h.bus.mu.Lock()
	assert.Equal(t, 1, h.bus.closes)
	h.bus.mu.Unlock()

	msgs := h.bus.messages()
	assert.Equal(t, published{topic: legacyNS + "/availability", payload: "offline", retained: true}, msgs[len(msgs)-1])

	assert.ErrorIs(t, h.worker.Deliver(legacyNS+"/1/command", []byte("ON")), ErrStopped)
}

func TestWorker_StopBeforeStart(t *testing.T) {
	h := newHarness(t, Options{})

	h.worker.Stop()
	h.worker.Start(context.Background())

	assert.Equal(t, StateStopped, h.worker.State())
	assert.Zero(t, h.dialer.dialed())
}

func TestWorker_StopsWithContext(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	h.worker.Start(ctx)
	require.Eventually(t, func() bool { return h.worker.State() == StateRunning }, waitFor, pollStep)

	cancel()
	require.Eventually(t, func() bool { return h.worker.State() == StateStopped }, waitFor, pollStep)
	assert.Equal(t, int32(1), h.dialer.session().closes.Load())
}

func TestWorker_QueueFull(t *testing.T) {
	h := newHarness(t, Options{QueueSize: 1})

	require.NoError(t, h.worker.Deliver(legacyNS+"/1/command", []byte("ON")))
	assert.ErrorIs(t, h.worker.Deliver(legacyNS+"/1/command", []byte("OFF")), ErrQueueFull)
}

// =============================================================================
// Discovery-sourced devices
// =============================================================================

const switchComponentJSON = `{
	"topics": {
		"command": {
			"name": "command_topic", "topic_type": "subscribe", "default_value": "~/command",
			"values": {"on": {"tuya_value": true, "default_value": "on"}, "off": {"tuya_value": false, "default_value": "off"}}
		},
		"state": {
			"name": "state_topic", "topic_type": "publish", "default_value": "~/state",
			"values": {"on": {"tuya_value": true, "default_value": "on"}, "off": {"tuya_value": false, "default_value": "off"}}
		},
		"availability": {
			"name": "availability_topic", "topic_type": "publish", "default_value": "~/availability",
			"values": {"online": {"tuya_value": true, "default_value": "up"}, "offline": {"tuya_value": false, "default_value": "down"}}
		}
	}
}`

const plugConfigJSON = `{
	"~": "tuya/bf12ab/1",
	"uniq_id": "bf12ab_1",
	"cmd_t": "~/command",
	"stat_t": "~/state",
	"avty_t": "~/availability",
	"device": {"identifiers": ["bf12ab"]}
}`

func newDiscoveryHarness(t *testing.T) (*harness, *transform.Transform) {
	t.Helper()
	dev := device.New(testIdentity(), device.Options{Root: "tuya"})
	tr := transform.New("bf12ab", dev.Namespace(), []int{1}, nil)
	return newHarness(t, Options{Device: dev, Transform: tr}), tr
}

func configure(t *testing.T, tr *transform.Transform) {
	t.Helper()
	component, err := transform.ParseComponentConfig("switch", []byte(switchComponentJSON))
	require.NoError(t, err)
	dp, err := transform.ParseDataPointConfig("switch", "bf12ab_1", []byte(plugConfigJSON))
	require.NoError(t, err)

	tr.SetComponentConfig(component)
	require.True(t, tr.SetDataPointConfig(dp))
}

func TestWorker_DiscoveryWaitsForReadiness(t *testing.T) {
	h, tr := newDiscoveryHarness(t)
	h.worker.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateStarting, h.worker.State())
	assert.Zero(t, h.dialer.dialed())

	configure(t, tr)

	require.Eventually(t, func() bool { return h.worker.State() == StateRunning }, waitFor, pollStep)
	assert.Equal(t, 1, h.dialer.dialed())
	assert.Equal(t, []string{"tuya/bf12ab/1/command"}, h.bus.topics())
}

type warnLogger struct {
	noopLogger
	mu    sync.Mutex
	warns []map[string]any
}

func (l *warnLogger) Warn(msg string, args ...any) {
	if msg != "still waiting for discovery config" {
		return
	}
	attrs := make(map[string]any)
	for i := 0; i+1 < len(args); i += 2 {
		attrs[args[i].(string)] = args[i+1]
	}
	l.mu.Lock()
	l.warns = append(l.warns, attrs)
	l.mu.Unlock()
}

func (l *warnLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

func TestWorker_WarnsWhenDiscoveryIsSlow(t *testing.T) {
	log := &warnLogger{}
	dev := device.New(testIdentity(), device.Options{Root: "tuya"})
	tr := transform.New("bf12ab", dev.Namespace(), []int{1, 2}, nil)
	h := newHarness(t, Options{
		Device:           dev,
		Transform:        tr,
		ReadinessTimeout: 20 * time.Millisecond,
		Logger:           log,
	})
	h.worker.Start(context.Background())

	require.Eventually(t, func() bool { return log.count() == 1 }, waitFor, pollStep)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, log.count())
	assert.Equal(t, StateStarting, h.worker.State())

	log.mu.Lock()
	attrs := log.warns[0]
	log.mu.Unlock()
	assert.Equal(t, "bf12ab", attrs["device_id"])
	assert.Equal(t, []int{1, 2}, attrs["pending_dps"])
}

func TestWorker_StopWhileWaitingForReadiness(t *testing.T) {
	h, _ := newDiscoveryHarness(t)
	h.worker.Start(context.Background())

	done := make(chan struct{})
	go func() {
		h.worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, StateStopped, h.worker.State())
	assert.Zero(t, h.dialer.dialed())
}

func TestWorker_DiscoveryPublishesThroughTransform(t *testing.T) {
	h, tr := newDiscoveryHarness(t)
	configure(t, tr)
	session := h.start(t)

	session.handlers.OnConnected(true)
	session.handlers.OnStatus(map[string]any{"1": false}, protocol.ViaDevice)

	require.Eventually(t, func() bool { return len(h.bus.messages()) == 5 }, waitFor, pollStep)
	msgs := h.bus.messages()
	assert.Equal(t, published{topic: "tuya/bf12ab/availability", payload: "online", retained: true}, msgs[0])
	assert.Equal(t, published{topic: "tuya/bf12ab/1/availability", payload: "up", retained: true}, msgs[1])
	assert.Equal(t, published{topic: "tuya/bf12ab/1/state", payload: "off"}, msgs[2])
	assert.Equal(t, "tuya/bf12ab/1/attributes", msgs[3].topic)
	assert.Equal(t, "tuya/bf12ab/attributes", msgs[4].topic)

	var attrs map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[4].payload), &attrs))
	assert.Equal(t, false, attrs["dps"]["1"])
}

func TestWorker_DiscoveryCommandUsesValueTable(t *testing.T) {
	h, tr := newDiscoveryHarness(t)
	configure(t, tr)
	session := h.start(t)

	h.bus.deliver("tuya/bf12ab/1/command", "on")
	h.bus.deliver("tuya/bf12ab/1/command", "off")

	require.Eventually(t, func() bool { return len(session.calls()) == 2 }, waitFor, pollStep)
	assert.Equal(t, []setStateCall{{1, true}, {1, false}}, session.calls())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "STARTING", StateStarting.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "STOPPING", StateStopping.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func ptr(f float64) *float64 { return &f }
