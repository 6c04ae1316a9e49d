package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sweeney/fritz-mqtt/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fritz-mqtt",
	Short: "Publish FRITZ!Box call-monitor events to MQTT",
	Long: `fritz-mqtt watches the FRITZ!Box call monitor (port 1012), resolves
callers against a router phonebook and publishes every call state change
to an MQTT broker.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runRun,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/fritz-mqtt/fritz-mqtt.yaml", "Path to config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(phonebookCmd)
	rootCmd.AddCommand(wiretapCmd)
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newLogger(c config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	log.SetLevel(level)
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
