// Command farm-controller drives the irrigation valves and coop doors of one
// site and publishes their state to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweeney/farm-controller/internal/config"
	"github.com/sweeney/farm-controller/internal/controller"
	"github.com/sweeney/farm-controller/internal/logging"
	"github.com/sweeney/farm-controller/internal/mqtt"
	"github.com/sweeney/farm-controller/internal/status"
	"github.com/sweeney/farm-controller/internal/store"
	"github.com/sweeney/farm-controller/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// statusRefresh is how often the MQTT connection and network info are
// re-read into the status tracker.
const statusRefresh = 30 * time.Second

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:          "farm-controller",
		Short:        "Irrigation and coop door controller",
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run every configured controller until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
			if err != nil {
				return err
			}
			return run(cfg, logger)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "farm-controller %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/farm-controller/config.yaml", "config file path")
	rootCmd.AddCommand(runCmd, simulateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// broker is the MQTT side of the process: a publisher that can report its
// connection.
type broker interface {
	mqtt.Publisher
	mqtt.ConnectionStatus
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	var (
		models      controller.ModelStore
		transitions controller.TransitionRecorder
		history     web.History
	)
	if cfg.Database.Path != "" {
		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		models, transitions, history = db, db, db
	}

	feed := mqtt.NewSensorFeed(cfg.MQTT.SensorPrefix, cfg.MQTT.StaleAfter.Duration, logging.Component(logger, "sensors"))
	var publisher broker = mqtt.Discard{}
	if cfg.MQTT.Broker != "" {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = "farm-controller-" + uuid.NewString()[:8]
		}
		client := mqtt.NewRealPublisher(mqtt.Options{
			Broker:     cfg.MQTT.Broker,
			ClientID:   clientID,
			Instance:   cfg.Instance,
			BufferSize: cfg.MQTT.BufferSize,
		}, logging.Component(logger, "mqtt"))
		client.Subscribe(feed)
		publisher = client
	} else {
		logger.Warn().Msg("mqtt disabled, remote sensors will read as missing")
	}
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		Instance: cfg.Instance,
		Version:  version,
		Broker:   cfg.MQTT.Broker,
		HTTPAddr: cfg.HTTP.Addr,
		Database: cfg.Database.Path,
	})
	refreshStatus(tracker, publisher)

	var hw hardware = chipHardware{chip: cfg.GPIO.Chip}
	if cfg.GPIO.Simulated {
		logger.Warn().Msg("gpio simulated, no valve or door will move")
		hw = simulatedHardware{}
	}

	manager, closers, err := buildControllers(cfg, hw, feed, controller.Env{
		Publisher:   publisher,
		Transitions: transitions,
		Tracker:     tracker,
		Logger:      logging.Component(logger, "controller"),
		MinWait:     cfg.Runner.MinWait.Duration,
		MaxWait:     cfg.Runner.MaxWait.Duration,
	}, models)
	if err != nil {
		return err
	}
	defer closeAll(closers, logger)

	snap := tracker.Snapshot()
	startup := mqtt.NewSystemEvent(mqtt.EventStartup, snap.Now)
	startup.Retained = true
	startup.RawPayload = status.FormatStatusEvent(snap, mqtt.EventStartup, "")
	if err := publisher.PublishSystem(startup); err != nil {
		logger.Warn().Err(err).Msg("failed to publish startup event")
	} else {
		logger.Info().Msg("published startup event")
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, manager, history, logging.Component(logger, "http"))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()
	stop := func() error {
		cancel()
		return <-done
	}

	logger.Info().Str("instance", cfg.Instance).Strs("controllers", manager.Names()).
		Str("broker", cfg.MQTT.Broker).Msg("started")

	ticker := time.NewTicker(statusRefresh)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	reloadConfig := func() error {
		return reload(configFile, manager, logging.Component(logger, "config"))
	}
	return runLoop(publisher, publisher, tracker, stop, reloadConfig, logger, time.Now, ticker.C, sigCh)
}

// runLoop keeps the status tracker fresh until SIGINT or SIGTERM arrives, then
// stops the controllers and publishes a retained SHUTDOWN event. SIGHUP
// reloads the configuration.
func runLoop(publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, stop, reload func() error, logger zerolog.Logger, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				if reload == nil {
					continue
				}
				if err := reload(); err != nil {
					logger.Error().Err(err).Msg("config reload failed")
				}
				continue
			}

			name := signalName(s)
			logger.Info().Str("signal", name).Msg("shutting down")

			var stopErr error
			if stop != nil {
				// Controllers settle their actuators and save models first.
				if stopErr = stop(); stopErr != nil {
					logger.Error().Err(stopErr).Msg("controllers stopped with error")
				}
			}

			event := mqtt.NewSystemEvent(mqtt.EventShutdown, now())
			event.Reason = name
			event.Retained = true
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), mqtt.EventShutdown, name)
			}
			if err := publisher.PublishSystem(event); err != nil {
				logger.Warn().Err(err).Msg("failed to publish shutdown event")
			} else {
				logger.Info().Msg("published shutdown event")
			}
			return stopErr

		case <-tick:
			refreshStatus(tracker, mqttStatus)
		}
	}
}

func refreshStatus(tracker *status.Tracker, mqttStatus mqtt.ConnectionStatus) {
	if tracker == nil {
		return
	}
	if mqttStatus != nil {
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGHUP:
		return "SIGHUP"
	}
	return "UNKNOWN"
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
