package wifi

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
)

// ConnectorConfig holds the polling budget for one network attempt
type ConnectorConfig struct {
	LinkPolls      int           // link status polls before giving up
	AddressRetries int           // extra address polls after link-up
	PollInterval   time.Duration // wait between polls
}

// DefaultConnectorConfig returns the default polling budget
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		LinkPolls:      10,
		AddressRetries: 5,
		PollInterval:   time.Second,
	}
}

// Outcome is the result of one pass over the configured networks
type Outcome struct {
	Connected bool
	SSID      string
	Address   string
	Attempts  []models.ConnectionAttempt
}

// Exhausted reports whether no network could be joined
func (o Outcome) Exhausted() bool {
	return !o.Connected
}

// Connector tries configured networks in priority order, first success wins
type Connector struct {
	station Station
	clock   clock.Clock
	config  ConnectorConfig
}

// NewConnector creates a connector over station. Zero config fields take defaults.
func NewConnector(station Station, config ConnectorConfig, clk clock.Clock) *Connector {
	def := DefaultConnectorConfig()
	if config.LinkPolls <= 0 {
		config.LinkPolls = def.LinkPolls
	}
	if config.AddressRetries < 0 {
		config.AddressRetries = def.AddressRetries
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Connector{station: station, clock: clk, config: config}
}

// Attempt walks networks in order and returns on the first entry that yields
// both link-up and a real address. The only error returned is ctx's.
func (c *Connector) Attempt(ctx context.Context, networks []models.NetworkCredential) (Outcome, error) {
	var out Outcome

	eligible := 0
	for _, n := range networks {
		if n.Eligible() {
			eligible++
		}
	}
	if eligible == 0 {
		klog.Info("NetworkConnector: no eligible networks configured")
		return out, nil
	}

	if err := c.station.Activate(ctx); err != nil {
		klog.Errorf("NetworkConnector: failed to activate station: %v", err)
		return out, ctx.Err()
	}

	for _, n := range networks {
		if !n.Eligible() {
			klog.V(2).Infof("NetworkConnector: skipping %q (disabled or incomplete)", n.SSID)
			continue
		}

		attempt := c.try(ctx, n)
		out.Attempts = append(out.Attempts, attempt)
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if attempt.Success {
			out.Connected = true
			out.SSID = attempt.SSID
			out.Address = attempt.Address
			klog.Infof("NetworkConnector: connected to %q with address %s", attempt.SSID, attempt.Address)
			return out, nil
		}

		klog.Warningf("NetworkConnector: %q failed: %v", n.SSID, attempt.Err)
		if err := c.station.Disconnect(ctx); err != nil {
			klog.V(2).Infof("NetworkConnector: disconnect after failed attempt: %v", err)
		}
	}

	klog.Warningf("NetworkConnector: exhausted %d eligible networks", eligible)
	return out, nil
}

func (c *Connector) try(ctx context.Context, n models.NetworkCredential) models.ConnectionAttempt {
	attempt := models.ConnectionAttempt{SSID: n.SSID}
	klog.Infof("NetworkConnector: connecting to %q", n.SSID)

	if err := c.station.Connect(ctx, n.SSID, n.Password); err != nil {
		attempt.Err = fmt.Errorf("failed to initiate connection: %w", err)
		return attempt
	}

	linked := false
	for i := 0; i < c.config.LinkPolls; i++ {
		if c.station.IsConnected(ctx) {
			linked = true
			break
		}
		if !c.wait(ctx) {
			attempt.Err = ctx.Err()
			return attempt
		}
	}
	if !linked {
		attempt.Err = ErrLinkTimeout
		return attempt
	}

	for i := 0; ; i++ {
		addr := c.station.Address(ctx)
		if !IsPlaceholderAddress(addr) {
			attempt.Success = true
			attempt.Address = addr
			return attempt
		}
		if i >= c.config.AddressRetries {
			break
		}
		if !c.wait(ctx) {
			attempt.Err = ctx.Err()
			return attempt
		}
	}
	attempt.Err = ErrNoAddress
	return attempt
}

// wait sleeps one poll interval; false means ctx was cancelled
func (c *Connector) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(c.config.PollInterval):
		return true
	}
}
