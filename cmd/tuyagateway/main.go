// Tuya Gateway bridges local Tuya devices onto an MQTT broker.
//
// Each device gets its own worker with a protocol session and an MQTT
// session. Devices are announced by retained discovery descriptors, or
// registered on the fly from identity-encoded command topics. Home
// Assistant discovery fragments shape the topics and payloads each
// discovered device publishes.
//
// Usage:
//
//	tuyagateway [--config path] [--loglevel level] [--host broker] [--port n]
//	            [--user name] [--password secret]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/tuya-gateway/internal/api"
	"github.com/nerrad567/tuya-gateway/internal/device"
	"github.com/nerrad567/tuya-gateway/internal/gateway"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/database"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/tuya-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuya-gateway/internal/process"
	"github.com/nerrad567/tuya-gateway/internal/protocol"
	"github.com/nerrad567/tuya-gateway/internal/worker"
	"github.com/nerrad567/tuya-gateway/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// flags holds command-line settings. Unset flags leave the configuration
// file and environment untouched.
type flags struct {
	configPath string
	logLevel   string
	host       string
	port       int
	user       string
	password   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runFunc is the signature of run, injectable for tests.
type runFunc func(ctx context.Context, configPath string, overrides ...func(*config.Config)) error

func newRootCmd() *cobra.Command {
	return newCommand(run)
}

func newCommand(runFn runFunc) *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "tuyagateway",
		Short: "Tuya device to MQTT gateway",
		Long: `Bridges local Tuya devices onto an MQTT broker.

Devices are registered from retained discovery descriptors under the
discovery root, or from identity-encoded command topics under the topic
root. Home Assistant discovery fragments map data points to topics.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFn(cmd.Context(), f.configPath, f.overrides(cmd))
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file (defaults and environment only if empty)")
	cmd.Flags().StringVar(&f.logLevel, "loglevel", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.host, "host", "", "MQTT broker host")
	cmd.Flags().IntVar(&f.port, "port", 0, "MQTT broker port")
	cmd.Flags().StringVar(&f.user, "user", "", "MQTT username")
	cmd.Flags().StringVar(&f.password, "password", "", "MQTT password")

	return cmd
}

// overrides returns a config override applying the flags the user set.
func (f *flags) overrides(cmd *cobra.Command) func(*config.Config) {
	changed := cmd.Flags().Changed
	return func(cfg *config.Config) {
		if changed("loglevel") {
			cfg.Logging.Level = f.logLevel
		}
		if changed("host") {
			cfg.MQTT.Broker.Host = f.host
		}
		if changed("port") {
			cfg.MQTT.Broker.Port = f.port
		}
		if changed("user") {
			cfg.MQTT.Auth.Username = f.user
		}
		if changed("password") {
			cfg.MQTT.Auth.Password = f.password
		}
	}
}

// run is the actual application logic, separated from main for testability.
// It returns when ctx is cancelled, after every component has shut down.
func run(ctx context.Context, configPath string, overrides ...func(*config.Config)) error {
	log := logging.Default()
	log.Info("starting tuya gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath, overrides...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Telemetry (optional)
	var telemetry worker.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Shared bus session. Failing to reach the broker here is fatal.
	topics := mqtt.NewTopics(cfg.General)
	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithStatus(topics.GatewayStatus(), cfg.General.AvailabilityOnline, cfg.General.AvailabilityOffline),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log)
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	// Protocol agent. Sessions reconnect on their own, so a managed agent
	// that is still starting up is not waited for.
	var agentStats api.ProcessStats
	if cfg.Protocol.Agent.Managed {
		agent, agentErr := process.New(process.FromConfig("protocol-agent", cfg.Protocol.Agent))
		if agentErr != nil {
			return fmt.Errorf("creating protocol agent: %w", agentErr)
		}
		agent.SetLogger(log)
		if startErr := agent.Start(ctx); startErr != nil {
			return fmt.Errorf("starting protocol agent: %w", startErr)
		}
		defer func() {
			log.Info("stopping protocol agent")
			agent.Stop()
		}()
		agentStats = agent
	}

	dialer := protocol.NewAgentDialer(cfg.Protocol)
	dialer.SetLogger(log)

	supervisor, err := gateway.New(gateway.Options{
		Config:     cfg,
		Repository: device.NewSQLiteRepository(db.DB),
		Bus:        newBusFactory(cfg, log),
		Dialer:     dialer,
		Telemetry:  telemetry,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	// Restore persisted devices before subscribing so retained discovery
	// descriptors replace them rather than race them.
	supervisor.Start(ctx)
	defer func() {
		log.Info("stopping gateway")
		supervisor.Stop()
	}()
	if restoreErr := supervisor.Restore(ctx); restoreErr != nil {
		log.Error("restoring devices", "error", restoreErr)
	}
	if subErr := supervisor.Subscribe(mqttClient); subErr != nil {
		return fmt.Errorf("subscribing gateway topics: %w", subErr)
	}

	// Status API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Devices: supervisor,
			MQTT:    mqttClient,
			DB:      db.DB,
			Agent:   agentStats,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, gateway (workers and final
	// sweep), protocol agent, MQTT, InfluxDB, database.
	return nil
}

// newBusFactory returns the constructor for per-device bus sessions.
func newBusFactory(cfg *config.Config, log *logging.Logger) worker.BusFactory {
	return func(clientID string, will mqtt.Will) worker.Bus {
		c := mqtt.New(cfg.MQTT, mqtt.WithClientID(clientID), mqtt.WithWill(will))
		c.SetLogger(log)
		return c
	}
}
