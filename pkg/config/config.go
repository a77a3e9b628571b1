package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"k8s.io/klog/v2"
)

// Config holds process-level settings. The device document itself
// (networks, broker, detector parameters) lives in the config store.
type Config struct {
	// Device document
	ConfigPath string

	// Radio
	WiFiInterface string

	// Connection attempt budget
	LinkPolls      int
	AddressRetries int
	PollInterval   time.Duration

	// Captive portal
	PortalHTTPAddr string
	PortalDNSAddr  string
	CaptureDomain  string
	PortalPage     string

	// Vision
	DetectorCommand string
	DetectorArgs    []string
	FramePath       string
	FrameWidth      int
	FrameHeight     int

	// Detection cycle
	CyclePeriod  time.Duration
	CycleWake    time.Duration
	SummaryEvery int

	// ClickHouse archive, disabled when the address is empty
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string
}

// Load reads settings from the environment, after loading .env if present
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		ConfigPath: getEnv("CONFIG_PATH", "/data/config.json"),

		WiFiInterface: getEnv("WIFI_IFACE", "wlan0"),

		LinkPolls:      getEnvInt("LINK_POLLS", 10),
		AddressRetries: getEnvInt("ADDRESS_RETRIES", 5),
		PollInterval:   getEnvMillis("POLL_INTERVAL_MS", time.Second),

		PortalHTTPAddr: getEnv("PORTAL_HTTP_ADDR", ":80"),
		PortalDNSAddr:  getEnv("PORTAL_DNS_ADDR", ":53"),
		CaptureDomain:  getEnv("CAPTURE_DOMAIN", ""),
		PortalPage:     getEnv("PORTAL_PAGE", ""),

		DetectorCommand: getEnv("DETECTOR_CMD", ""),
		DetectorArgs:    strings.Fields(getEnv("DETECTOR_ARGS", "")),
		FramePath:       getEnv("FRAME_PATH", ""),
		FrameWidth:      getEnvInt("FRAME_WIDTH", 640),
		FrameHeight:     getEnvInt("FRAME_HEIGHT", 480),

		CyclePeriod:  getEnvMillis("CYCLE_PERIOD_MS", time.Second),
		CycleWake:    getEnvMillis("CYCLE_WAKE_MS", 100*time.Millisecond),
		SummaryEvery: getEnvInt("SUMMARY_EVERY", 60),

		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "device"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),
	}
}

// ArchiveEnabled reports whether a ClickHouse archive is configured
func (c *Config) ArchiveEnabled() bool {
	return c.ClickHouseAddr != ""
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		klog.Warningf("Config: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		klog.Warningf("Config: %s must be a positive number of milliseconds, using default %v", key, defaultValue)
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
