// Package config assembles the node configuration: command-line flags,
// then an optional JSON config file, then .env overrides for the
// field-site secrets, then built-in defaults for anything still unset.
// The defaults match the constants the previous firmware shipped with,
// so a bare binary behaves exactly like the board it replaces.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/JFreitz/siboltech-node/internal/model"
	"github.com/JFreitz/siboltech-node/internal/relay"
)

type Config struct {
	ConfigFile      string
	LogLevel        zerolog.Level
	SafeMode        bool
	WriteBootAssets bool
	RunBootScript   bool

	LogFile string `json:"log_file"`

	DeviceID   string `json:"device_id"`
	APIBaseURL string `json:"api_base_url"`
	APIKey     string `json:"api_key"`

	SerialPort string `json:"serial_port"`
	SerialBaud int    `json:"serial_baud"`

	RelayPins       []int    `json:"relay_pins"`
	RelayActiveHigh bool     `json:"relay_active_high"`
	RelayLabels     []string `json:"relay_labels"`

	// ADC channels are pointers because channel 0 is a valid value.
	IIODevice    string  `json:"iio_device"`
	TDSChannel   *int    `json:"tds_channel"`
	PHChannel    *int    `json:"ph_channel"`
	DOChannel    *int    `json:"do_channel"`
	ADCVref      float64 `json:"adc_vref"`
	ADCMaxCounts int     `json:"adc_max_counts"`
	I2CBus       int     `json:"i2c_bus"`

	UploadIntervalMillis    int `json:"upload_interval_millis"`
	PollIntervalMillis      int `json:"poll_interval_millis"`
	ReconnectIntervalMillis int `json:"reconnect_interval_millis"`
	SensorIntervalMillis    int `json:"sensor_interval_millis"`
	HTTPTimeoutMillis       int `json:"http_timeout_millis"`

	// Zero keeps the status API off.
	StatusAPIPort int `json:"status_api_port"`

	StatsdAddr      string   `json:"statsd_addr"`
	StatsdNamespace string   `json:"statsd_namespace"`
	StatsdTags      []string `json:"statsd_tags"`

	BootScriptFilePath string `json:"boot_script_file_path"`
	OSServicePath      string `json:"os_service_path"`
	MainServicePath    string `json:"main_service_path"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "", "Path to node config file (optional, defaults apply without one)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.SafeMode, "safe-mode", false, "Log relay writes instead of driving pins")
	flag.BoolVar(&cfg.WriteBootAssets, "write-boot-assets", false, "Write the boot script and systemd units, then exit")
	flag.BoolVar(&cfg.RunBootScript, "run-boot-script", false, "Run the boot pin script before starting, for commissioning without a reboot")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	if cfg.ConfigFile != "" {
		file, err := os.Open(cfg.ConfigFile)
		if err != nil {
			panic("Failed to load config file: " + err.Error())
		}
		defer file.Close()

		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			panic("Failed to parse config file: " + err.Error())
		}
	}

	// .env carries the field-site secrets; a missing file is fine.
	_ = godotenv.Load()
	cfg.applyEnvOverrides()

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

// Read loads just the JSON config file with defaults filled in. The
// operator CLI uses it; the daemon goes through Load.
func Read(path string) (Config, error) {
	var cfg Config

	file, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Defaults returns the built-in configuration the node ships with.
func Defaults() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyEnvOverrides() {
	if v := os.Getenv("SIBOLTECH_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("SIBOLTECH_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("SIBOLTECH_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("SIBOLTECH_SERIAL_PORT"); v != "" {
		cfg.SerialPort = v
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "esp32-wroom32"
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://172.20.10.2:5000"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "espkey123"
	}
	if cfg.SerialPort == "" {
		cfg.SerialPort = "/dev/serial0"
	}
	if cfg.SerialBaud == 0 {
		cfg.SerialBaud = 115200
	}
	if len(cfg.RelayPins) == 0 {
		cfg.RelayPins = []int{12, 13, 14, 15, 16, 17, 18, 19, 23}
	}
	if cfg.IIODevice == "" {
		cfg.IIODevice = "/sys/bus/iio/devices/iio:device0"
	}
	if cfg.TDSChannel == nil {
		cfg.TDSChannel = intPtr(0)
	}
	if cfg.PHChannel == nil {
		cfg.PHChannel = intPtr(1)
	}
	if cfg.DOChannel == nil {
		cfg.DOChannel = intPtr(2)
	}
	if cfg.ADCVref == 0 {
		cfg.ADCVref = 3.3
	}
	if cfg.ADCMaxCounts == 0 {
		cfg.ADCMaxCounts = 4095
	}
	if cfg.I2CBus == 0 {
		cfg.I2CBus = 1
	}
	if cfg.UploadIntervalMillis == 0 {
		cfg.UploadIntervalMillis = 2000
	}
	if cfg.PollIntervalMillis == 0 {
		cfg.PollIntervalMillis = 50
	}
	if cfg.ReconnectIntervalMillis == 0 {
		cfg.ReconnectIntervalMillis = 10000
	}
	if cfg.SensorIntervalMillis == 0 {
		cfg.SensorIntervalMillis = 1000
	}
	if cfg.HTTPTimeoutMillis == 0 {
		cfg.HTTPTimeoutMillis = 1500
	}
	if cfg.StatsdAddr == "" {
		cfg.StatsdAddr = "127.0.0.1:8125"
	}
	if cfg.StatsdNamespace == "" {
		cfg.StatsdNamespace = "siboltech."
	}
	if cfg.BootScriptFilePath == "" {
		cfg.BootScriptFilePath = "/usr/local/bin/siboltech-gpio-init.sh"
	}
	if cfg.OSServicePath == "" {
		cfg.OSServicePath = "/etc/systemd/system/siboltech-gpio-init.service"
	}
	if cfg.MainServicePath == "" {
		cfg.MainServicePath = "/etc/systemd/system/siboltech-node.service"
	}
}

func (cfg *Config) validate() {
	var problems []string

	if len(cfg.RelayPins) != relay.Count {
		problems = append(problems, fmt.Sprintf("relay_pins must list exactly %d pins, got %d", relay.Count, len(cfg.RelayPins)))
	}

	usedPins := map[int]int{}
	for i, pin := range cfg.RelayPins {
		if other, exists := usedPins[pin]; exists {
			problems = append(problems, fmt.Sprintf("relay %d and relay %d both use pin %d", other+1, i+1, pin))
		} else {
			usedPins[pin] = i
		}
	}

	if len(cfg.RelayLabels) != 0 && len(cfg.RelayLabels) != len(cfg.RelayPins) {
		problems = append(problems, fmt.Sprintf("relay_labels must be empty or list %d labels, got %d", len(cfg.RelayPins), len(cfg.RelayLabels)))
	}

	adcChannels := []struct {
		name string
		ch   *int
	}{
		{"tds_channel", cfg.TDSChannel},
		{"ph_channel", cfg.PHChannel},
		{"do_channel", cfg.DOChannel},
	}
	usedChannels := map[int]string{}
	for _, c := range adcChannels {
		if c.ch == nil {
			problems = append(problems, c.name+" is required")
			continue
		}
		if other, exists := usedChannels[*c.ch]; exists {
			problems = append(problems, fmt.Sprintf("%s and %s both use ADC channel %d", other, c.name, *c.ch))
		} else {
			usedChannels[*c.ch] = c.name
		}
	}

	intervals := []struct {
		name  string
		value int
	}{
		{"upload_interval_millis", cfg.UploadIntervalMillis},
		{"poll_interval_millis", cfg.PollIntervalMillis},
		{"reconnect_interval_millis", cfg.ReconnectIntervalMillis},
		{"sensor_interval_millis", cfg.SensorIntervalMillis},
		{"http_timeout_millis", cfg.HTTPTimeoutMillis},
	}
	for _, iv := range intervals {
		if iv.value <= 0 {
			problems = append(problems, iv.name+" must be positive")
		}
	}

	if cfg.SerialBaud <= 0 {
		problems = append(problems, "serial_baud must be positive")
	}
	if cfg.ADCVref <= 0 {
		problems = append(problems, "adc_vref must be positive")
	}
	if cfg.ADCMaxCounts <= 0 {
		problems = append(problems, "adc_max_counts must be positive")
	}

	if len(problems) > 0 {
		panic("Invalid node configuration: " + strings.Join(problems, "; "))
	}
}

// BankPins assembles the relay pin models in bank order.
func (cfg *Config) BankPins() []model.RelayPin {
	pins := make([]model.RelayPin, len(cfg.RelayPins))
	for i, number := range cfg.RelayPins {
		label := fmt.Sprintf("relay-%d", i+1)
		if i < len(cfg.RelayLabels) && cfg.RelayLabels[i] != "" {
			label = cfg.RelayLabels[i]
		}
		pins[i] = model.RelayPin{
			Number:     number,
			ActiveHigh: cfg.RelayActiveHigh,
			Label:      label,
		}
	}
	return pins
}

func (cfg *Config) UploadInterval() time.Duration {
	return time.Duration(cfg.UploadIntervalMillis) * time.Millisecond
}

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalMillis) * time.Millisecond
}

func (cfg *Config) ReconnectInterval() time.Duration {
	return time.Duration(cfg.ReconnectIntervalMillis) * time.Millisecond
}

func (cfg *Config) SensorInterval() time.Duration {
	return time.Duration(cfg.SensorIntervalMillis) * time.Millisecond
}

func (cfg *Config) HTTPTimeout() time.Duration {
	return time.Duration(cfg.HTTPTimeoutMillis) * time.Millisecond
}

func intPtr(v int) *int { return &v }
