package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sweeney/fritz-mqtt/internal/bridge"
	"github.com/sweeney/fritz-mqtt/internal/callmonitor"
	"github.com/sweeney/fritz-mqtt/internal/config"
	"github.com/sweeney/fritz-mqtt/internal/correlator"
	"github.com/sweeney/fritz-mqtt/internal/metrics"
	"github.com/sweeney/fritz-mqtt/internal/phonebook"
	"github.com/sweeney/fritz-mqtt/internal/publisher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the call monitor bridge (default)",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	m := metrics.New()
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.WithField("addr", cfg.Metrics.Listen).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	refresher := newRefresher(cfg, log, m)
	// Rejected credentials are reported right away instead of being retried.
	if _, err := refresher.Refresh(ctx, true); err != nil {
		if errors.Is(err, phonebook.ErrAuth) {
			return fmt.Errorf("loading phonebook: %w", err)
		}
		log.WithError(err).Warn("initial phonebook load failed, callers will be unknown until the next refresh")
	}
	go refresher.Run(ctx, cfg.Phonebook.RefreshInterval)

	pub, err := publisher.NewMQTTPublisher(ctx, publisher.MQTTOptions{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		QoS:         byte(cfg.MQTT.QoS),
		StatusTopic: publisher.StatusTopic(cfg.MQTT.TopicPrefix),
	})
	if err != nil {
		return err
	}
	defer pub.Close()
	log.WithField("broker", cfg.MQTT.Broker).Info("connected to MQTT broker")

	sink := publisher.NewSnapshotSink(pub, publisher.SinkOptions{
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Logger:      log,
		Metrics:     m,
	})
	defer sink.Close()

	conn := callmonitor.New(callmonitor.Options{
		Addr:        cfg.FritzBox.MonitorAddr(),
		DialTimeout: cfg.Monitor.DialTimeout,
		KeepAlive:   cfg.Monitor.KeepAlive,
		MinBackoff:  cfg.Monitor.MinBackoff,
		MaxBackoff:  cfg.Monitor.MaxBackoff,
		QueueSize:   cfg.Monitor.QueueSize,
		Logger:      log,
		Metrics:     m,
	})
	corr := correlator.New(refresher, correlator.WithLogger(log))

	b := bridge.New(conn, corr, sink, bridge.WithLogger(log), bridge.WithMetrics(m))
	return b.Run(ctx)
}

func newRefresher(cfg *config.Config, log logrus.FieldLogger, m *metrics.Metrics) *phonebook.Refresher {
	return phonebook.NewRefresher(newPhonebookClient(cfg), phonebook.RefresherOptions{
		PhonebookID: cfg.FritzBox.PhonebookID,
		Prefixes:    cfg.FritzBox.Prefixes,
		Throttle:    cfg.Phonebook.Throttle,
		Logger:      log,
		Metrics:     m,
	})
}

func newPhonebookClient(cfg *config.Config) *phonebook.Client {
	return phonebook.NewClient(phonebook.ClientOptions{
		Host:     cfg.FritzBox.Host,
		Port:     cfg.FritzBox.TR064Port,
		Username: cfg.FritzBox.Username,
		Password: cfg.FritzBox.Password,
	})
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
