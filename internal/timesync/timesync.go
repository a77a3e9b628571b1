package timesync

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
	"k8s.io/klog/v2"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
)

// ntpEpochDelta is the number of seconds between 1900-01-01 and 2000-01-01,
// the epoch the device firmware counts from.
const ntpEpochDelta int64 = 3155673600

// QueryFunc asks a server for the current time
type QueryFunc func(ctx context.Context, host string) (time.Time, error)

// SetFunc sets the system clock
type SetFunc func(t time.Time) error

// Syncer performs the best-effort clock synchronization step
type Syncer struct {
	query QueryFunc
	set   SetFunc
}

// NewSyncer creates a syncer. Nil functions take the NTP query and the
// platform clock setter.
func NewSyncer(query QueryFunc, set SetFunc) *Syncer {
	if query == nil {
		query = queryNTP
	}
	if set == nil {
		set = setSystemClock
	}
	return &Syncer{query: query, set: set}
}

// Sync queries the configured server and sets the clock.
// The result is advisory: false means skipped or failed, never fatal.
func (s *Syncer) Sync(ctx context.Context, cfg models.NTPConfig) bool {
	if !cfg.Enabled {
		klog.V(2).Info("TimeSync: disabled, skipping")
		return false
	}

	host := cfg.Host
	if host == "" {
		host = models.DefaultNTPHost
	}

	now, err := s.query(ctx, host)
	if err != nil {
		klog.Warningf("TimeSync: failed to query %s: %v", host, err)
		return false
	}

	now = now.Add(LocalOffset(cfg.NTPDelta))
	if err := s.set(now); err != nil {
		klog.Warningf("TimeSync: failed to set system clock: %v", err)
		return false
	}

	klog.Infof("TimeSync: clock set to %s from %s", now.Format(time.RFC3339), host)
	return true
}

// LocalOffset converts the configured ntp_delta into a clock offset.
// ntp_delta is the firmware epoch delta with the local zone folded in,
// so the difference to the standard delta is the zone offset.
func LocalOffset(ntpDelta int64) time.Duration {
	if ntpDelta <= 0 {
		return 0
	}
	return time.Duration(ntpEpochDelta-ntpDelta) * time.Second
}

func queryNTP(ctx context.Context, host string) (time.Time, error) {
	opts := ntp.QueryOptions{Timeout: 5 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < opts.Timeout {
			opts.Timeout = d
		}
	}

	resp, err := ntp.QueryWithOptions(host, opts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query ntp server: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("invalid ntp response: %w", err)
	}
	return time.Now().Add(resp.ClockOffset), nil
}
