package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
)

// testConfig returns a configuration pointing at an unreachable broker.
// The unit tests here never connect.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "tuyagateway-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestNew_NotConnected(t *testing.T) {
	c := New(testConfig())

	assert.False(t, c.IsConnected())
	assert.Equal(t, "tuyagateway-test", c.ClientID())
	assert.ErrorIs(t, c.HealthCheck(context.Background()), ErrNotConnected)
}

func TestNew_WithClientID(t *testing.T) {
	c := New(testConfig(), WithClientID("tuyagateway-bf12-1a2b"))
	assert.Equal(t, "tuyagateway-bf12-1a2b", c.ClientID())
	assert.Equal(t, "tuyagateway-bf12-1a2b", c.options.ClientID)
}

func TestNew_WithWill(t *testing.T) {
	c := New(testConfig(), WithWill(Will{
		Topic:    "tuya/bf12/availability",
		Payload:  "offline",
		QoS:      1,
		Retained: true,
	}))

	assert.True(t, c.options.WillEnabled)
	assert.Equal(t, "tuya/bf12/availability", c.options.WillTopic)
	assert.Equal(t, []byte("offline"), c.options.WillPayload)
	assert.True(t, c.options.WillRetained)
}

func TestNew_WithStatusInstallsWill(t *testing.T) {
	c := New(testConfig(), WithStatus("tuyagateway/status", "online", "offline"))

	assert.True(t, c.options.WillEnabled)
	assert.Equal(t, "tuyagateway/status", c.options.WillTopic)
	assert.Equal(t, []byte("offline"), c.options.WillPayload)
}

func TestNew_NoWillByDefault(t *testing.T) {
	c := New(testConfig())
	assert.False(t, c.options.WillEnabled)
}

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "tcp://127.0.0.1:1883", brokerURL(cfg))

	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	assert.Equal(t, "ssl://127.0.0.1:8883", brokerURL(cfg))
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "gw"
	cfg.Auth.Password = "pw"

	opts := buildClientOptions(cfg, "id-1")

	assert.Equal(t, "id-1", opts.ClientID)
	assert.Equal(t, "gw", opts.Username)
	assert.Equal(t, "pw", opts.Password)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.ConnectRetry)
	assert.Equal(t, time.Second, opts.ConnectRetryInterval)
	assert.Equal(t, 5*time.Second, opts.MaxReconnectInterval)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "127.0.0.1:1883", opts.Servers[0].Host)
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	assert.NoError(t, c.Close())
}

func TestPublishValidation(t *testing.T) {
	c := New(testConfig())

	assert.ErrorIs(t, c.Publish("", []byte("x"), 0, false), ErrInvalidTopic)
	assert.ErrorIs(t, c.Publish("a/b", []byte("x"), 3, false), ErrInvalidQoS)
	assert.ErrorIs(t, c.Publish("a/b", make([]byte, maxPayloadSize+1), 0, false), ErrPublishFailed)
	assert.ErrorIs(t, c.Publish("a/b", []byte("x"), 0, false), ErrNotConnected)
}

func TestSubscribeValidation(t *testing.T) {
	c := New(testConfig())
	handler := func(string, []byte) error { return nil }

	assert.ErrorIs(t, c.Subscribe("", 0, handler), ErrInvalidTopic)
	assert.ErrorIs(t, c.Subscribe("a/#", 3, handler), ErrInvalidQoS)
	assert.ErrorIs(t, c.Subscribe("a/#", 0, nil), ErrSubscribeFailed)
	assert.ErrorIs(t, c.Subscribe("a/#", 0, handler), ErrNotConnected)
	assert.Equal(t, 0, c.SubscriptionCount())
}

func TestAddSubscription_TrackedWhileDisconnected(t *testing.T) {
	c := New(testConfig())

	err := c.AddSubscription("tuya/bf12/+/command", 0, func(string, []byte) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, 1, c.SubscriptionCount())
	assert.True(t, c.HasSubscription("tuya/bf12/+/command"))
	assert.False(t, c.HasSubscription("tuya/#"))
}

func TestUnsubscribeValidation(t *testing.T) {
	c := New(testConfig())
	assert.ErrorIs(t, c.Unsubscribe(""), ErrInvalidTopic)
	assert.ErrorIs(t, c.Unsubscribe("a"), ErrNotConnected)
}

type recordingLogger struct {
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.warns = append(l.warns, msg) }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestWrapHandler_LogsErrorsAndRecoversPanics(t *testing.T) {
	c := New(testConfig())
	log := &recordingLogger{}
	c.SetLogger(log)

	failing := c.wrapHandler(func(string, []byte) error { return errors.New("boom") })
	failing(nil, fakeMessage{topic: "a"})
	assert.Equal(t, []string{"MQTT handler returned error"}, log.warns)

	panicking := c.wrapHandler(func(string, []byte) error { panic("bad") })
	assert.NotPanics(t, func() { panicking(nil, fakeMessage{topic: "a"}) })
	assert.Equal(t, []string{"MQTT handler panic recovered"}, log.errors)
}

func TestCallbacks(t *testing.T) {
	c := New(testConfig())

	var disconnectErr error
	c.SetOnDisconnect(func(err error) { disconnectErr = err })

	c.handleDisconnect(errors.New("lost"))
	assert.EqualError(t, disconnectErr, "lost")
	assert.False(t, c.IsConnected())
}
