package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// BridgeConfig holds configuration for the bridge process.
type BridgeConfig struct {
	PhoneIP         string        `yaml:"phone_ip"`
	PhonePort       int           `yaml:"phone_port"`
	TransformFile   string        `yaml:"transform_file"`
	TokenFile       string        `yaml:"token_file"`
	HostPort        int           `yaml:"host_port"`
	DiscoveryPort   int           `yaml:"discovery_port"`
	PluginName      string        `yaml:"plugin_name"`
	PluginDeveloper string        `yaml:"plugin_developer"`
	ClientName      string        `yaml:"client_name"`
	// ResponseTimeout is set via environment or flag only; yaml.v3 has no
	// native duration decoding.
	ResponseTimeout time.Duration `yaml:"-"`
	StatusAddr      string        `yaml:"status_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ConfigFile      string        `yaml:"-"`
	LogLevel        string        `yaml:"log_level"`
}

// BindFlags populates defaults from the environment and registers flags.
// Flag values override environment values; the config file overrides both
// when loaded afterwards via LoadFile.
func (c *BridgeConfig) BindFlags() {
	c.ConfigFile = getEnv("CONFIG_FILE", "bridge.yaml")
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	c.PhoneIP = getEnv("PHONE_IP", "")
	c.PhonePort = getEnvInt("PHONE_PORT", 21412)
	c.TransformFile = getEnv("TRANSFORM_FILE", "transform.json")
	c.TokenFile = getEnv("TOKEN_FILE", "token")
	c.HostPort = getEnvInt("HOST_PORT", 8001)
	c.DiscoveryPort = getEnvInt("DISCOVERY_PORT", 47779)
	c.PluginName = getEnv("PLUGIN_NAME", "RustyBridge")
	c.PluginDeveloper = getEnv("PLUGIN_DEVELOPER", "ovROG")
	c.StatusAddr = getEnv("STATUS_ADDR", "")
	c.MetricsAddr = getEnv("METRICS_ADDR", "")
	if d, err := time.ParseDuration(getEnv("RESPONSE_TIMEOUT", "30s")); err == nil {
		c.ResponseTimeout = d
	} else {
		c.ResponseTimeout = 30 * time.Second
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bridge-" + uuid.NewString()[:8]
	}
	c.ClientName = getEnv("CLIENT_NAME", host)

	flag.StringVar(&c.PhoneIP, "phone-ip", c.PhoneIP, "IP address of the phone running the tracking app")
	flag.IntVar(&c.PhonePort, "phone-port", c.PhonePort, "UDP port the tracking app listens on")
	flag.StringVar(&c.TransformFile, "transform-file", c.TransformFile, "path to the JSON transform-function file")
	flag.StringVar(&c.TokenFile, "token-file", c.TokenFile, "path of the cached authentication token")
	flag.IntVar(&c.HostPort, "host-port", c.HostPort, "initial WebSocket port of the puppeteering host")
	flag.IntVar(&c.DiscoveryPort, "discovery-port", c.DiscoveryPort, "UDP port host discovery broadcasts arrive on")
	flag.StringVar(&c.PluginName, "plugin-name", c.PluginName, "plugin name reported to the host")
	flag.StringVar(&c.PluginDeveloper, "plugin-developer", c.PluginDeveloper, "plugin developer reported to the host")
	flag.StringVar(&c.ClientName, "client-name", c.ClientName, "client name sent in tracking requests")
	flag.DurationVar(&c.ResponseTimeout, "response-timeout", c.ResponseTimeout, "how long to wait for a host response before reconnecting")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "local status HTTP listen address (enables /status; e.g. 127.0.0.1:4555)")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address (disabled when empty)")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
