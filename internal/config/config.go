package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix for all environment overrides.
const envPrefix = "FRITZ_MQTT_"

type Config struct {
	FritzBox  FritzBoxConfig  `yaml:"fritzbox"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Phonebook PhonebookConfig `yaml:"phonebook"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type FritzBoxConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	TR064Port   int      `yaml:"tr064_port"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	PhonebookID int      `yaml:"phonebook_id"`
	Prefixes    []string `yaml:"prefixes"`
}

type MonitorConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeepAlive   time.Duration `yaml:"keepalive"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type PhonebookConfig struct {
	Throttle        time.Duration `yaml:"throttle"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var prefixPattern = regexp.MustCompile(`^\+?[0-9]+$`)

// MonitorAddr is the call-monitor endpoint.
func (c *FritzBoxConfig) MonitorAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Default returns the configuration used before the file is applied.
func Default() *Config {
	return &Config{
		FritzBox: FritzBoxConfig{
			Host:      "169.254.1.1",
			Port:      1012,
			TR064Port: 49000,
			Username:  "admin",
		},
		Monitor: MonitorConfig{
			QueueSize:   256,
			DialTimeout: 10 * time.Second,
			KeepAlive:   30 * time.Second,
			MinBackoff:  time.Second,
			MaxBackoff:  time.Minute,
		},
		Phonebook: PhonebookConfig{
			Throttle:        30 * time.Second,
			RefreshInterval: 3 * time.Hour,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "fritz-mqtt",
			TopicPrefix: "fritzbox",
			QoS:         1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path, applies environment overrides (after
// loading an optional .env file) and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"HOST":          &c.FritzBox.Host,
		"USERNAME":      &c.FritzBox.Username,
		"PASSWORD":      &c.FritzBox.Password,
		"MQTT_BROKER":   &c.MQTT.Broker,
		"MQTT_USERNAME": &c.MQTT.Username,
		"MQTT_PASSWORD": &c.MQTT.Password,
		"LOG_LEVEL":     &c.Log.Level,
	}
	for key, dst := range str {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":         &c.FritzBox.Port,
		"TR064_PORT":   &c.FritzBox.TR064Port,
		"PHONEBOOK_ID": &c.FritzBox.PhonebookID,
	}
	for key, dst := range ints {
		v, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s must be an integer, got %q", envPrefix, key, v)
		}
		*dst = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.FritzBox.Host == "" {
		return fmt.Errorf("fritzbox.host is required")
	}
	if c.FritzBox.Port < 1 || c.FritzBox.Port > 65535 {
		return fmt.Errorf("fritzbox.port must be between 1 and 65535, got %d", c.FritzBox.Port)
	}
	if c.FritzBox.TR064Port < 1 || c.FritzBox.TR064Port > 65535 {
		return fmt.Errorf("fritzbox.tr064_port must be between 1 and 65535, got %d", c.FritzBox.TR064Port)
	}
	if c.FritzBox.Username == "" {
		return fmt.Errorf("fritzbox.username is required")
	}
	if c.FritzBox.Password == "" {
		return fmt.Errorf("fritzbox.password is required")
	}
	if c.FritzBox.PhonebookID < 0 {
		return fmt.Errorf("fritzbox.phonebook_id must not be negative, got %d", c.FritzBox.PhonebookID)
	}
	for _, p := range c.FritzBox.Prefixes {
		if !prefixPattern.MatchString(p) {
			return fmt.Errorf("fritzbox.prefixes: malformed prefix %q", p)
		}
	}
	if c.Monitor.QueueSize < 1 {
		return fmt.Errorf("monitor.queue_size must be positive, got %d", c.Monitor.QueueSize)
	}
	if c.Monitor.MaxBackoff < c.Monitor.MinBackoff {
		return fmt.Errorf("monitor.max_backoff must not be below monitor.min_backoff")
	}
	if c.Phonebook.Throttle < 0 {
		return fmt.Errorf("phonebook.throttle must not be negative, got %s", c.Phonebook.Throttle)
	}
	if c.Phonebook.RefreshInterval <= 0 {
		return fmt.Errorf("phonebook.refresh_interval must be positive, got %s", c.Phonebook.RefreshInterval)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id is required")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
