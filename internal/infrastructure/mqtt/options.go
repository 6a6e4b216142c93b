package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Will is a Last Will and Testament published by the broker when the
// session drops without a clean disconnect.
type Will struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// sessionOptions holds the per-session settings applied by Option.
type sessionOptions struct {
	clientID string
	will     *Will

	statusTopic   string
	statusOnline  string
	statusOffline string
}

// Option customises a single session.
type Option func(*sessionOptions)

// WithClientID overrides the broker client id from config.
// Each device worker needs its own, or the broker would kick sessions.
func WithClientID(id string) Option {
	return func(o *sessionOptions) {
		o.clientID = id
	}
}

// WithWill installs a Last Will.
func WithWill(w Will) Option {
	return func(o *sessionOptions) {
		o.will = &w
	}
}

// WithStatus publishes online (retained) on every connect, offline on
// graceful Close, and installs offline as the Last Will.
func WithStatus(topic, online, offline string) Option {
	return func(o *sessionOptions) {
		o.statusTopic = topic
		o.statusOnline = online
		o.statusOffline = offline
		if o.will == nil {
			o.will = &Will{Topic: topic, Payload: offline, QoS: 1, Retained: true}
		}
	}
}

// buildClientOptions creates paho MQTT options from gateway config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Auto-reconnect with exponential backoff
//   - TLS configuration (if enabled)
//   - Clean session mode
func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID(clientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// brokerURL returns tcp://host:port or ssl://host:port.
func brokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)
}

// configureLWT sets the Last Will if the session asked for one.
func configureLWT(opts *pahomqtt.ClientOptions, session sessionOptions) {
	if session.will == nil || session.will.Topic == "" {
		return
	}
	opts.SetWill(session.will.Topic, session.will.Payload, session.will.QoS, session.will.Retained)
}
