package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds all application configuration values.
type Config struct {
	// Modem serial ports
	ATPort       string
	ATBaudRate   int
	NMEAPort     string
	NMEABaudRate int

	// Scheduling (seconds)
	ScanInterval     int
	UploadInterval   int
	UploadMaxBackoff int
	LeaseTimeout     int
	FixMaxAge        int

	// Upload
	BatchMaxSize int
	CollectorURL string
	DeviceID     string

	// Data bearer
	DataAPN        string
	ModemIndex     int
	ModemInterface string

	// Storage
	DataDir string

	// Panel
	PanelEnabled bool
	LEDPin       string
	ButtonPin    string

	// Status reporting (optional)
	MQTTBroker   string // empty disables the MQTT status publisher
	MQTTClientID string
	TopicStatus  string
	WebPort      int // 0 disables the status web server
}

// Package-level unexported variables for singleton pattern. External code
// must use InitGlobal() to set and Get() to read, ensuring thread safety.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := defaults()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a Config pre-filled with values that rarely need changing.
func defaults() *Config {
	return &Config{
		ATBaudRate:       115200,
		NMEABaudRate:     9600,
		ScanInterval:     60,
		UploadInterval:   900,
		UploadMaxBackoff: 3600,
		LeaseTimeout:     30,
		FixMaxAge:        30,
		BatchMaxSize:     50,
		DataAPN:          "hologram",
		ModemInterface:   "wwan0",
		DataDir:          "/var/lib/cellscan",
		LEDPin:           "GPIO18",
		ButtonPin:        "GPIO4",
		MQTTClientID:     "cellscan-status",
		TopicStatus:      "cellscan/status",
	}
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// Modem serial ports
	case "AT_PORT":
		c.ATPort = value
	case "AT_BAUD_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid AT_BAUD_RATE %q: %w", value, err)
		}
		c.ATBaudRate = rate
	case "NMEA_PORT":
		c.NMEAPort = value
	case "NMEA_BAUD_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid NMEA_BAUD_RATE %q: %w", value, err)
		}
		c.NMEABaudRate = rate

	// Scheduling
	case "SCAN_INTERVAL":
		return c.setSeconds(&c.ScanInterval, key, value)
	case "UPLOAD_INTERVAL":
		return c.setSeconds(&c.UploadInterval, key, value)
	case "UPLOAD_MAX_BACKOFF":
		return c.setSeconds(&c.UploadMaxBackoff, key, value)
	case "LEASE_TIMEOUT":
		return c.setSeconds(&c.LeaseTimeout, key, value)
	case "FIX_MAX_AGE":
		return c.setSeconds(&c.FixMaxAge, key, value)

	// Upload
	case "BATCH_MAX_SIZE":
		size, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid BATCH_MAX_SIZE %q: %w", value, err)
		}
		if size < 1 {
			return fmt.Errorf("BATCH_MAX_SIZE must be >= 1, got %d", size)
		}
		c.BatchMaxSize = size
	case "COLLECTOR_URL":
		c.CollectorURL = value
	case "DEVICE_ID":
		c.DeviceID = value

	// Data bearer
	case "DATA_APN":
		c.DataAPN = value
	case "MODEM_INDEX":
		idx, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MODEM_INDEX %q: %w", value, err)
		}
		c.ModemIndex = idx
	case "MODEM_INTERFACE":
		c.ModemInterface = value

	// Storage
	case "DATA_DIR":
		c.DataDir = value

	// Panel
	case "PANEL_ENABLED":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid PANEL_ENABLED %q: %w", value, err)
		}
		c.PanelEnabled = enabled
	case "LED_PIN":
		c.LEDPin = value
	case "BUTTON_PIN":
		c.ButtonPin = value

	// Status reporting
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "WEB_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_PORT %q: %w", value, err)
		}
		c.WebPort = port

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

func (c *Config) setSeconds(field *int, key, value string) error {
	secs, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if secs < 1 {
		return fmt.Errorf("%s must be >= 1 second, got %d", key, secs)
	}
	*field = secs
	return nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.ATPort == "" {
		return fmt.Errorf("AT_PORT is required")
	}
	if c.NMEAPort == "" {
		return fmt.Errorf("NMEA_PORT is required")
	}
	if c.CollectorURL == "" {
		return fmt.Errorf("COLLECTOR_URL is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("DEVICE_ID is required")
	}
	if c.UploadMaxBackoff < c.UploadInterval {
		return fmt.Errorf("UPLOAD_MAX_BACKOFF must be >= UPLOAD_INTERVAL")
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
