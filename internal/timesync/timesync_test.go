package timesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
)

func TestLocalOffset(t *testing.T) {
	tests := []struct {
		delta int64
		want  time.Duration
	}{
		{0, 0},
		{-5, 0},
		{3155673600, 0},
		{3155673600 - 8*3600, 8 * time.Hour},
	}
	for _, tt := range tests {
		if got := LocalOffset(tt.delta); got != tt.want {
			t.Errorf("LocalOffset(%d) = %v, want %v", tt.delta, got, tt.want)
		}
	}
}

func TestSync(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		cfg       models.NTPConfig
		queryErr  error
		setErr    error
		want      bool
		wantHost  string
		wantSetAt time.Time
	}{
		{name: "disabled", cfg: models.NTPConfig{Enabled: false}, want: false},
		{
			name:      "default host",
			cfg:       models.NTPConfig{Enabled: true},
			want:      true,
			wantHost:  models.DefaultNTPHost,
			wantSetAt: base,
		},
		{
			name:      "delta applied",
			cfg:       models.NTPConfig{Enabled: true, Host: "ntp.local", NTPDelta: 3155673600 - 3600},
			want:      true,
			wantHost:  "ntp.local",
			wantSetAt: base.Add(time.Hour),
		},
		{name: "query fails", cfg: models.NTPConfig{Enabled: true}, queryErr: errors.New("timeout"), want: false, wantHost: models.DefaultNTPHost},
		{name: "set fails", cfg: models.NTPConfig{Enabled: true}, setErr: errors.New("EPERM"), want: false, wantHost: models.DefaultNTPHost, wantSetAt: base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotHost string
			var gotSet time.Time
			s := NewSyncer(
				func(ctx context.Context, host string) (time.Time, error) {
					gotHost = host
					return base, tt.queryErr
				},
				func(t time.Time) error {
					gotSet = t
					return tt.setErr
				},
			)

			if got := s.Sync(context.Background(), tt.cfg); got != tt.want {
				t.Errorf("Sync() = %v, want %v", got, tt.want)
			}
			if gotHost != tt.wantHost {
				t.Errorf("queried host %q, want %q", gotHost, tt.wantHost)
			}
			if !gotSet.Equal(tt.wantSetAt) {
				t.Errorf("clock set to %v, want %v", gotSet, tt.wantSetAt)
			}
		})
	}
}
