package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "config.json"))
}

func writeRaw(t *testing.T, s *Store, body string) {
	t.Helper()
	if err := os.WriteFile(s.Path(), []byte(body), 0o600); err != nil {
		t.Fatalf("write raw config: %v", err)
	}
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body *string
		want error
	}{
		{name: "missing file", body: nil, want: ErrNotFound},
		{name: "invalid json", body: strPtr("{not json"), want: ErrMalformed},
		{name: "wrong type", body: strPtr(`{"wifi":{"networks":"nope"}}`), want: ErrMalformed},
		{name: "duplicate enabled ssid", body: strPtr(`{"wifi":{"networks":[
			{"ssid":"A","password":"p","enabled":true},
			{"ssid":"A","password":"q","enabled":true}]}}`), want: ErrMalformed},
		{name: "port out of range", body: strPtr(`{"mqtt":{"broker":"b","port":70000}}`), want: ErrMalformed},
		{name: "negative ntp delta", body: strPtr(`{"ntptime":{"enabled":true,"ntp_delta":-1}}`), want: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			if tt.body != nil {
				writeRaw(t, s, *tt.body)
			}
			_, err := s.Load()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Load() error = %v, want %v", err, tt.want)
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) || cerr.Path != s.Path() {
				t.Errorf("expected ConfigError for %s, got %#v", s.Path(), err)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cfg := &models.DeviceConfig{
		WiFi: models.WiFiConfig{Networks: []models.NetworkCredential{
			{SSID: "Home", Password: "secret", Enabled: true},
			{SSID: "Office", Password: "p", Enabled: false},
		}},
		AP:       models.APConfig{SSID: "AP_ABCDEF", Password: "12345678"},
		Detector: models.DetectorParams{"conf_thresh": 0.5, "labels": []any{"person", "car"}},
		MQTT: models.MQTTConfig{
			Broker:         "10.0.0.2",
			Port:           1883,
			TopicDetection: "yolo/detections",
			ClientID:       "cam-1",
		},
		NTP: models.NTPConfig{Enabled: true, Host: "time.example.org", NTPDelta: 3155644800},
	}

	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("round trip mismatch\n got: %#v\nwant: %#v", got, cfg)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	cfg := models.DefaultDeviceConfig()
	cfg.MQTT.Port = -1

	if err := s.Save(cfg); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Save() error = %v, want ErrMalformed", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Errorf("invalid config must not be written, stat err = %v", err)
	}
}

func TestUpdateNetworkUpsert(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddNetwork(models.NetworkCredential{SSID: "A", Password: "a", Enabled: true}); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	created, err := s.UpdateNetwork("A", models.NetworkPatch{Password: strPtr("a2")})
	if err != nil || created {
		t.Fatalf("UpdateNetwork(existing) = %v, %v; want false, nil", created, err)
	}

	created, err = s.UpdateNetwork("B", models.NetworkPatch{Password: strPtr("b"), Enabled: boolPtr(true)})
	if err != nil || !created {
		t.Fatalf("UpdateNetwork(new) = %v, %v; want true, nil", created, err)
	}

	got, err := s.Networks()
	if err != nil {
		t.Fatalf("Networks() error = %v", err)
	}
	want := []models.NetworkCredential{
		{SSID: "A", Password: "a2", Enabled: true},
		{SSID: "B", Password: "b", Enabled: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Networks() = %+v, want %+v", got, want)
	}
}

func TestAddNetworkDuplicate(t *testing.T) {
	s := newTestStore(t)
	cred := models.NetworkCredential{SSID: "A", Password: "a", Enabled: true}

	if err := s.AddNetwork(cred); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}
	if err := s.AddNetwork(cred); !errors.Is(err, ErrDuplicateNetwork) {
		t.Fatalf("AddNetwork(duplicate) error = %v, want ErrDuplicateNetwork", err)
	}
}

func TestRemoveNetwork(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, `{"wifi":{"networks":[
		{"ssid":"A","password":"a","enabled":false},
		{"ssid":"B","password":"b","enabled":true},
		{"ssid":"A","password":"a2","enabled":true}]}}`)

	removed, err := s.RemoveNetwork("A")
	if err != nil || !removed {
		t.Fatalf("RemoveNetwork(A) = %v, %v; want true, nil", removed, err)
	}
	removed, err = s.RemoveNetwork("missing")
	if err != nil || removed {
		t.Fatalf("RemoveNetwork(missing) = %v, %v; want false, nil", removed, err)
	}

	got, _ := s.Networks()
	if len(got) != 1 || got[0].SSID != "B" {
		t.Errorf("Networks() = %+v, want only B", got)
	}
}

func TestMutationOnMissingFileStartsFromDefaults(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpdateNetwork("A", models.NetworkPatch{Password: strPtr("a"), Enabled: boolPtr(true)}); err != nil {
		t.Fatalf("UpdateNetwork() error = %v", err)
	}

	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.ClientID != models.DefaultClientID || cfg.MQTT.Port != models.DefaultMQTTPort {
		t.Errorf("expected default mqtt settings, got %+v", cfg.MQTT)
	}
	if len(cfg.WiFi.Networks) != 1 {
		t.Errorf("expected 1 network, got %d", len(cfg.WiFi.Networks))
	}
}

func TestMutationQuarantinesMalformedFile(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "{broken")

	if err := s.AddNetwork(models.NetworkCredential{SSID: "A", Password: "a", Enabled: true}); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	corrupt, err := os.ReadFile(s.Path() + ".corrupt")
	if err != nil {
		t.Fatalf("expected quarantined file: %v", err)
	}
	if string(corrupt) != "{broken" {
		t.Errorf("quarantined content = %q", corrupt)
	}
	if _, err := s.Load(); err != nil {
		t.Errorf("Load() after repair error = %v", err)
	}
}

func TestNetworksLeavesMalformedFileInPlace(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, "{broken")

	got, err := s.Networks()
	if err != nil {
		t.Fatalf("Networks() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Networks() = %+v, want empty list", got)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil || string(data) != "{broken" {
		t.Errorf("document changed by read: %q, %v", data, err)
	}
	if _, err := os.Stat(s.Path() + ".corrupt"); !os.IsNotExist(err) {
		t.Errorf("read must not quarantine, stat err = %v", err)
	}
}

func TestUpdateNetworkPrefersEnabledDuplicate(t *testing.T) {
	s := newTestStore(t)
	writeRaw(t, s, `{"wifi":{"networks":[
		{"ssid":"A","password":"old","enabled":false},
		{"ssid":"A","password":"a","enabled":true}]}}`)

	created, err := s.UpdateNetwork("A", models.NetworkPatch{Password: strPtr("new"), Enabled: boolPtr(true)})
	if err != nil || created {
		t.Fatalf("UpdateNetwork() = %v, %v; want false, nil", created, err)
	}

	got, err := s.Networks()
	if err != nil {
		t.Fatalf("Networks() error = %v", err)
	}
	want := []models.NetworkCredential{
		{SSID: "A", Password: "old", Enabled: false},
		{SSID: "A", Password: "new", Enabled: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Networks() = %+v, want %+v", got, want)
	}
}

func TestNetworksEmptyIsNonNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Networks()
	if err != nil {
		t.Fatalf("Networks() error = %v", err)
	}
	if got == nil {
		t.Error("Networks() returned nil slice, want empty")
	}
}
