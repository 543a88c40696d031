// Command blebridge relays Bluetooth Low Energy GATT characteristics to and
// from an MQTT broker.
//
// Configuration is read from configs/config.yaml (override with
// BLEBRIDGE_CONFIG); the device list lives in the file named by
// ble.config_file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/api"
	"github.com/nerrad567/ble-mqtt-bridge/internal/bridges/ble"
	"github.com/nerrad567/ble-mqtt-bridge/internal/history"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/bluetooth"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/database"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
	"github.com/nerrad567/ble-mqtt-bridge/migrations"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// startupCheckTimeout bounds the post-start health checks.
	startupCheckTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts every component, blocks until ctx is cancelled and tears
// everything down in reverse order through defers.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting BLE bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"mqtt_auth", cfg.MQTT.Auth,
	)

	if !cfg.BLE.Enabled {
		return fmt.Errorf("ble bridge is disabled in %s; nothing to run", configPath)
	}
	bridgeCfg, err := ble.LoadConfig(cfg.BLE.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading device file: %w", err)
	}
	log.Info("device file loaded",
		"path", cfg.BLE.ConfigFile,
		"bridge_id", bridgeCfg.Bridge.ID,
		"devices", len(bridgeCfg.Devices),
	)

	// MQTT
	if err := mqtt.DiscoverBroker(ctx, &cfg.MQTT); err != nil {
		return fmt.Errorf("discovering MQTT broker: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", cfg.MQTT.BrokerAddress(),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Bluetooth
	adapter, err := bluetooth.Open(bluetooth.Config{AdapterID: cfg.Bluetooth.Adapter})
	if err != nil {
		return fmt.Errorf("opening bluetooth adapter: %w", err)
	}
	defer func() {
		log.Info("closing bluetooth adapter")
		if closeErr := adapter.Close(); closeErr != nil {
			log.Error("error closing bluetooth adapter", "error", closeErr)
		}
	}()
	adapter.SetLogger(log.With("component", "bluetooth"))
	log.Info("bluetooth adapter ready", "adapter", cfg.Bluetooth.Adapter)

	opts := ble.BridgeOptions{
		Config:     bridgeCfg,
		MQTTClient: mqttClient,
		Topics:     mqttClient.Topics(),
		QoS:        byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		Transport:  adapter,
		Scanner:    adapter,
		Logger:     log,
		Timeouts:   sessionTimeouts(cfg.Bluetooth),
		Version:    version,
	}

	// Value history (optional)
	var db *database.DB
	var store *history.Store
	if cfg.Database.Enabled {
		db, err = database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		st, err := db.Status(ctx, migrations.FS)
		if err != nil {
			return fmt.Errorf("reading migration status: %w", err)
		}
		store = history.NewStore(db.DB)
		opts.History = store
		opts.HistoryRetention = historyRetention(cfg.Database.RetentionDays)
		log.Info("value history enabled",
			"path", db.Path(),
			"schema_version", st.Current(),
			"retention_days", cfg.Database.RetentionDays,
		)
	} else {
		log.Info("value history disabled")
	}

	// Time series (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Warn("InfluxDB write error", "error", err)
		})
		opts.Telemetry = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	bridge, err := ble.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		if stopErr := bridge.Stop(); stopErr != nil {
			log.Error("error stopping bridge", "error", stopErr)
		}
	}()

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Bridge:  bridge,
			Version: version,
		}
		if store != nil {
			deps.History = store
		}
		srv, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	checkCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	err = healthCheck(checkCtx, mqttClient, db, influxClient)
	cancel()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath honours BLEBRIDGE_CONFIG.
func getConfigPath() string {
	if path := os.Getenv("BLEBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// sessionTimeouts maps the adapter section onto per-call session timeouts.
func sessionTimeouts(c config.BluetoothConfig) session.Timeouts {
	return session.Timeouts{
		Connect:   c.ConnectTimeout,
		Discover:  c.DiscoverTimeout,
		Subscribe: c.SubscribeTimeout,
		Read:      c.ReadTimeout,
		Write:     c.WriteTimeout,
	}
}

// historyRetention converts retention_days; 0 keeps history forever.
func historyRetention(days int) time.Duration {
	if days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}

// healthChecker is satisfied by every infrastructure client.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck verifies each enabled connection. db and influx may be nil.
func healthCheck(ctx context.Context, mqttClient healthChecker, db *database.DB, influx *influxdb.Client) error {
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if influx != nil {
		if err := influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
