package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"k8s.io/klog/v2"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
)

// DefaultPath is where the device document lives when nothing else is configured
const DefaultPath = "/data/config.json"

// Store persists the device configuration document.
// Every mutator runs load, mutate and save under one mutex so concurrent
// portal requests see whole transactions.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store backed by the JSON document at path
func New(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path}
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the persisted document
func (s *Store) Load() (*models.DeviceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save validates cfg and atomically replaces the persisted document
func (s *Store) Save(cfg *models.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

// Networks returns the stored station networks in priority order.
// A missing or malformed document reads as an empty list and is left
// untouched; only mutations repair it.
func (s *Store) Networks() ([]models.NetworkCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	switch {
	case err == nil:
		return cfg.WiFi.Networks, nil
	case errors.Is(err, ErrNotFound):
		return []models.NetworkCredential{}, nil
	case errors.Is(err, ErrMalformed):
		klog.Warningf("ConfigStore: %v; listing no networks", err)
		return []models.NetworkCredential{}, nil
	default:
		return nil, err
	}
}

// AddNetwork appends cred as the lowest priority network
func (s *Store) AddNetwork(cred models.NetworkCredential) error {
	if cred.SSID == "" {
		return fmt.Errorf("ssid is required")
	}

	return s.update(func(cfg *models.DeviceConfig) error {
		if cfg.FindNetwork(cred.SSID) >= 0 {
			return fmt.Errorf("%w: %q", ErrDuplicateNetwork, cred.SSID)
		}
		cfg.WiFi.Networks = append(cfg.WiFi.Networks, cred)
		return nil
	})
}

// RemoveNetwork deletes every entry with ssid.
// A missing ssid is not an error; removed reports whether anything changed.
func (s *Store) RemoveNetwork(ssid string) (removed bool, err error) {
	err = s.update(func(cfg *models.DeviceConfig) error {
		kept := cfg.WiFi.Networks[:0]
		for _, n := range cfg.WiFi.Networks {
			if n.SSID == ssid {
				removed = true
				continue
			}
			kept = append(kept, n)
		}
		cfg.WiFi.Networks = kept
		return nil
	})
	return removed, err
}

// UpdateNetwork applies patch to the entry with ssid, appending a new
// entry when none exists. created reports whether an entry was appended.
func (s *Store) UpdateNetwork(ssid string, patch models.NetworkPatch) (created bool, err error) {
	if ssid == "" {
		return false, fmt.Errorf("ssid is required")
	}

	err = s.update(func(cfg *models.DeviceConfig) error {
		idx := patchTarget(cfg, ssid)
		if idx < 0 {
			cfg.WiFi.Networks = append(cfg.WiFi.Networks, models.NetworkCredential{SSID: ssid})
			idx = len(cfg.WiFi.Networks) - 1
			created = true
		}
		n := &cfg.WiFi.Networks[idx]
		if patch.Password != nil {
			n.Password = *patch.Password
		}
		if patch.Enabled != nil {
			n.Enabled = *patch.Enabled
		}
		return nil
	})
	return created, err
}

// patchTarget picks the entry an update applies to: the enabled entry for
// ssid when there is one, otherwise the first entry, or -1.
func patchTarget(cfg *models.DeviceConfig, ssid string) int {
	for i, n := range cfg.WiFi.Networks {
		if n.SSID == ssid && n.Enabled {
			return i
		}
	}
	return cfg.FindNetwork(ssid)
}

func (s *Store) update(mutate func(cfg *models.DeviceConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadForUpdate()
	if err != nil {
		return err
	}
	if err := mutate(cfg); err != nil {
		return err
	}
	return s.save(cfg)
}

// loadForUpdate never fails on a missing or broken document so the portal
// can always repair the device.
func (s *Store) loadForUpdate() (*models.DeviceConfig, error) {
	cfg, err := s.load()
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, ErrNotFound):
		return models.DefaultDeviceConfig(), nil
	case errors.Is(err, ErrMalformed):
		s.quarantine(err)
		return models.DefaultDeviceConfig(), nil
	default:
		return nil, err
	}
}

func (s *Store) quarantine(cause error) {
	dst := s.path + ".corrupt"
	if err := os.Rename(s.path, dst); err != nil {
		klog.Warningf("ConfigStore: failed to quarantine %s: %v", s.path, err)
		return
	}
	klog.Warningf("ConfigStore: %v; moved to %s, starting from defaults", cause, dst)
}

func (s *Store) load() (*models.DeviceConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ConfigError{Kind: ErrNotFound, Path: s.path}
		}
		return nil, fmt.Errorf("failed to read config %s: %w", s.path, err)
	}

	cfg := &models.DeviceConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, malformed(s.path, err)
	}
	if cfg.WiFi.Networks == nil {
		cfg.WiFi.Networks = []models.NetworkCredential{}
	}
	if err := Validate(cfg); err != nil {
		return nil, malformed(s.path, err)
	}

	return cfg, nil
}

func (s *Store) save(cfg *models.DeviceConfig) error {
	if err := Validate(cfg); err != nil {
		return malformed(s.path, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", s.path, err)
	}

	klog.V(2).Infof("ConfigStore: saved %d networks to %s", len(cfg.WiFi.Networks), s.path)
	return nil
}
