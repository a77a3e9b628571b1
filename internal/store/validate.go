package store

import (
	"fmt"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
)

// Validate checks the structural invariants of a device configuration
func Validate(cfg *models.DeviceConfig) error {
	enabled := make(map[string]bool)
	for i, n := range cfg.WiFi.Networks {
		if n.SSID == "" {
			return fmt.Errorf("wifi.networks[%d]: ssid is required", i)
		}
		if !n.Enabled {
			continue
		}
		if enabled[n.SSID] {
			return fmt.Errorf("wifi.networks[%d]: more than one enabled entry for ssid %q", i, n.SSID)
		}
		enabled[n.SSID] = true
	}

	if cfg.MQTT.Port < 0 || cfg.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", cfg.MQTT.Port)
	}

	if cfg.NTP.NTPDelta < 0 {
		return fmt.Errorf("ntptime.ntp_delta must be >= 0")
	}

	return nil
}
