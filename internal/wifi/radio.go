package wifi

import (
	"context"
	"errors"
)

var (
	// ErrLinkTimeout means the station never reported link-up within the poll budget
	ErrLinkTimeout = errors.New("link timeout")
	// ErrNoAddress means the link came up but no usable address was assigned
	ErrNoAddress = errors.New("no address assigned")
)

// Station is the client-mode radio
type Station interface {
	Activate(ctx context.Context) error
	Connect(ctx context.Context, ssid, password string) error
	IsConnected(ctx context.Context) bool
	Address(ctx context.Context) string
	Scan(ctx context.Context) ([]string, error)
	Disconnect(ctx context.Context) error
}

// AccessPoint is the access-point-mode radio used by the captive portal
type AccessPoint interface {
	Start(ctx context.Context, ssid, password string) error
	Active(ctx context.Context) bool
	Address(ctx context.Context) string
	Stop(ctx context.Context) error
}

// IsPlaceholderAddress reports whether addr is not a usable assigned address
func IsPlaceholderAddress(addr string) bool {
	return addr == "" || addr == "0.0.0.0"
}
