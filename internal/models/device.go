package models

import "strconv"

// Defaults applied when the persisted document leaves a field empty
const (
	DefaultClientID   = "yolo_client"
	DefaultMQTTPort   = 1883
	DefaultAPPassword = "12345678"
	DefaultNTPHost    = "pool.ntp.org"
)

// NetworkCredential is one station network the device may join.
// Identity key is SSID; position in DeviceConfig.WiFi.Networks is the attempt priority.
type NetworkCredential struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
	Enabled  bool   `json:"enabled"`
}

// Eligible reports whether the connector should try this entry at all
func (n NetworkCredential) Eligible() bool {
	return n.Enabled && n.SSID != "" && n.Password != ""
}

// NetworkPatch carries a partial update for a stored network.
// Nil fields keep the stored value (or the zero value on insert).
type NetworkPatch struct {
	Password *string `json:"password,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

// WiFiConfig holds the ordered station network list
type WiFiConfig struct {
	Networks []NetworkCredential `json:"networks"`
}

// APConfig holds the captive portal access point credentials.
// An empty SSID means "generate one at portal start".
type APConfig struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// MQTTConfig describes the telemetry sink endpoint
type MQTTConfig struct {
	Broker         string `json:"broker"`
	Port           int    `json:"port"`
	TopicDetection string `json:"topic_detection"`
	ClientID       string `json:"client_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
}

// BrokerURL returns the paho broker URL for this endpoint
func (m MQTTConfig) BrokerURL() string {
	port := m.Port
	if port == 0 {
		port = DefaultMQTTPort
	}
	return "tcp://" + m.Broker + ":" + strconv.Itoa(port)
}

// ClientIDOrDefault returns the configured client id or DefaultClientID
func (m MQTTConfig) ClientIDOrDefault() string {
	if m.ClientID == "" {
		return DefaultClientID
	}
	return m.ClientID
}

// NTPConfig controls the best-effort time synchronization step
type NTPConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host,omitempty"`
	NTPDelta int64  `json:"ntp_delta,omitempty"` // seconds, epoch delta incl. local offset
}

// DetectorParams is the opaque detector parameter block ("yolo" key).
// It is handed to the detector verbatim; only a few keys are read here.
type DetectorParams map[string]any

// Labels returns the class label table, if present
func (p DetectorParams) Labels() []string {
	raw, ok := p["labels"].([]any)
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		labels = append(labels, s)
	}
	return labels
}

// Float returns a numeric parameter or def when absent or not a number
func (p DetectorParams) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// DeviceConfig is the single persisted configuration document
type DeviceConfig struct {
	WiFi     WiFiConfig     `json:"wifi"`
	AP       APConfig       `json:"ap"`
	Detector DetectorParams `json:"yolo"`
	MQTT     MQTTConfig     `json:"mqtt"`
	NTP      NTPConfig      `json:"ntptime"`
}

// DefaultDeviceConfig returns the document used when nothing is persisted yet
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		WiFi: WiFiConfig{Networks: []NetworkCredential{}},
		MQTT: MQTTConfig{
			Port:     DefaultMQTTPort,
			ClientID: DefaultClientID,
		},
	}
}

// Clone returns a deep copy so callers can mutate without touching the store's copy
func (c *DeviceConfig) Clone() *DeviceConfig {
	out := *c
	if c.WiFi.Networks != nil {
		out.WiFi.Networks = make([]NetworkCredential, len(c.WiFi.Networks))
		copy(out.WiFi.Networks, c.WiFi.Networks)
	}
	if c.Detector != nil {
		out.Detector = make(DetectorParams, len(c.Detector))
		for k, v := range c.Detector {
			out.Detector[k] = v
		}
	}
	return &out
}

// FindNetwork returns the index of the first entry with ssid, or -1
func (c *DeviceConfig) FindNetwork(ssid string) int {
	for i, n := range c.WiFi.Networks {
		if n.SSID == ssid {
			return i
		}
	}
	return -1
}
