// Echem Host - Shared Instrument Broker
//
// This is the main entry point for the echem host process. One host runs
// per lab bench and arbitrates access to a multi-channel electrochemical
// instrument over MQTT:
//   - Reservation broker: FIFO queueing and leases per channel
//   - Dispatcher: runs techniques on the instrument driver
//   - History: terminal invocation outcomes in SQLite
//   - Device cache: last-known auxiliary device state, mirrored to InfluxDB
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/voltlab/echem-host/migrations"

	"github.com/voltlab/echem-host/internal/beacon"
	"github.com/voltlab/echem-host/internal/broker"
	"github.com/voltlab/echem-host/internal/devstate"
	"github.com/voltlab/echem-host/internal/dispatch"
	"github.com/voltlab/echem-host/internal/history"
	"github.com/voltlab/echem-host/internal/infrastructure/config"
	"github.com/voltlab/echem-host/internal/infrastructure/database"
	"github.com/voltlab/echem-host/internal/infrastructure/influxdb"
	"github.com/voltlab/echem-host/internal/infrastructure/logging"
	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/instrument"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// drainTimeout bounds how long shutdown waits for in-flight technique runs.
const drainTimeout = 30 * time.Second

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting echem host",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the invocation history database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	repo := history.NewRepository(db)

	// Connect to the MQTT broker. The Last Will on the system status topic
	// tells every workflow the host is gone if this process dies.
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
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB for device telemetry (optional)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Reservation broker: one channel per configured instrument channel.
	registry := broker.NewRegistry()
	for _, id := range cfg.Broker.ChannelIDs {
		registry.Create(id)
	}
	manager := broker.NewManager(registry, broker.NewMQTTPublisher(mqttClient), cfg.DefaultLease(), cfg.SweepInterval())
	manager.SetLogger(log)
	log.Info("reservation broker initialised",
		"channels", registry.Count(),
		"default_lease", cfg.DefaultLease(),
	)

	// Instrument driver
	driver, err := instrument.New(cfg.Instrument)
	if err != nil {
		return fmt.Errorf("initialising instrument driver: %w", err)
	}
	defer func() {
		log.Info("closing instrument driver")
		if closeErr := driver.Close(); closeErr != nil {
			log.Error("error closing instrument driver", "error", closeErr)
		}
	}()
	log.Info("instrument driver initialised", "driver", cfg.Instrument.Driver)

	// Dispatcher: runs techniques for reservation holders.
	dispatcher := dispatch.NewDispatcher(manager, driver, dispatch.NewMQTTStatusPublisher(mqttClient), repo)
	dispatcher.SetLogger(log)

	// A lease reclaimed mid-run (expiry, Last Will, shutdown) must abort
	// the run before the next grantee reaches the instrument.
	manager.SetOnReclaim(func(channelID, _ string) {
		dispatcher.AbortChannel(channelID)
	})

	// Device state cache, mirrored to InfluxDB when enabled.
	var sink devstate.Sink
	if influxClient != nil {
		sink = influxClient
	}
	devices := devstate.NewCache(sink)
	devices.SetLogger(log)

	// Bind MQTT handlers
	qos := byte(cfg.MQTT.QoS)
	if err := manager.Bind(mqttClient, qos); err != nil {
		return fmt.Errorf("binding reservation handlers: %w", err)
	}
	if err := dispatcher.Bind(mqttClient, qos); err != nil {
		return fmt.Errorf("binding dispatch handlers: %w", err)
	}
	if err := devices.Bind(mqttClient, qos); err != nil {
		return fmt.Errorf("binding device handlers: %w", err)
	}
	log.Info("MQTT handlers bound")

	// Start the lease expiry sweep
	go manager.Run(ctx)

	// Presence beacon
	b := beacon.New(mqttClient, cfg.BeaconInterval(), cfg.MQTT.Broker.ClientID, cfg.Site.ID, version)
	b.SetLogger(log)
	b.Start()
	defer b.Stop()
	log.Info("presence beacon started", "interval", cfg.BeaconInterval())

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Drain in-flight technique runs before revoking reservations, so
	// running invocations reach a terminal status and land in history.
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if drainErr := dispatcher.Shutdown(drainCtx); drainErr != nil {
		log.Warn("dispatcher drain incomplete", "error", drainErr)
	}

	// Revoke every reservation and flush final channel states.
	manager.Shutdown()

	log.Info("echem host stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ECHEM_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ECHEM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
