package models

import "time"

// DetectionRecord is one detected object in one cycle tick.
// Serialized verbatim into the outgoing telemetry message.
type DetectionRecord struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"` // 0-1
	BBox       [4]float64 `json:"bbox"`       // x, y, w, h
	FPS        float64    `json:"fps"`
}

// DetectionMessage is the payload published once per tick
type DetectionMessage struct {
	Data     []DetectionRecord `json:"data"`
	ClientID string            `json:"client_id"`
}

// ConnectionAttempt is the transient result of trying one station network
type ConnectionAttempt struct {
	SSID    string
	Success bool
	Address string
	Err     error
}

// BootEvent records how a boot sequence ended, for the optional archive
type BootEvent struct {
	Timestamp time.Time
	BootID    string
	Path      string // "connected" or "portal"
	SSID      string
	Address   string
	Attempts  int
	TimeSync  bool
	SinkUp    bool
}
