package orchestrator

import (
	"context"

	"k8s.io/utils/clock"

	"github.com/bubao/CanMV-K230-Demo/internal/database"
	"github.com/bubao/CanMV-K230-Demo/internal/models"
	"github.com/bubao/CanMV-K230-Demo/internal/mqtt"
	"github.com/bubao/CanMV-K230-Demo/internal/portal"
	"github.com/bubao/CanMV-K230-Demo/internal/services"
	"github.com/bubao/CanMV-K230-Demo/internal/timesync"
	"github.com/bubao/CanMV-K230-Demo/internal/vision"
	"github.com/bubao/CanMV-K230-Demo/internal/wifi"
	"github.com/bubao/CanMV-K230-Demo/pkg/config"
)

// DeviceDeps wires the NetworkManager radio, the MQTT sink, the snapshot
// pipeline, the detector worker and, when configured, the ClickHouse archive.
func DeviceDeps(settings *config.Config) Deps {
	radio := wifi.NewNMCLI(settings.WiFiInterface, nil)

	deps := Deps{
		Station:     radio,
		AccessPoint: radio,
		TimeSync:    timesync.NewSyncer(nil, nil),
		NewSink: func(cfg models.MQTTConfig) Sink {
			clientID := cfg.ClientIDOrDefault()
			return mqtt.NewSink(mqtt.ClientConfig{
				Broker:      cfg.BrokerURL(),
				ClientID:    clientID,
				Username:    cfg.Username,
				Password:    cfg.Password,
				StatusTopic: mqtt.StatusTopic(cfg.TopicDetection, clientID),
			})
		},
		OpenPipeline: func(ctx context.Context) (vision.Pipeline, error) {
			return vision.NewSnapshotPipeline(settings.FramePath, settings.FrameWidth, settings.FrameHeight)
		},
		OpenDetector: func(ctx context.Context, params models.DetectorParams) (vision.Detector, error) {
			return vision.StartWorker(vision.WorkerConfig{
				Command: settings.DetectorCommand,
				Args:    settings.DetectorArgs,
				Params:  params,
			})
		},
		Clock: clock.RealClock{},
	}

	if settings.ArchiveEnabled() {
		deps.OpenArchive = func(ctx context.Context, clientID string) (Archive, error) {
			return database.NewClickHouseDB(ctx, database.Options{
				Addr:     settings.ClickHouseAddr,
				Database: settings.ClickHouseDB,
				Username: settings.ClickHouseUser,
				Password: settings.ClickHousePass,
				ClientID: clientID,
			})
		}
	}
	return deps
}

// DeviceOptions maps process settings onto the state machine options
func DeviceOptions(settings *config.Config) Options {
	pcfg := portal.DefaultConfig()
	pcfg.HTTPAddr = settings.PortalHTTPAddr
	pcfg.DNSAddr = settings.PortalDNSAddr
	pcfg.CaptureDomain = settings.CaptureDomain
	pcfg.PagePath = settings.PortalPage

	cycle := services.DefaultDetectionServiceConfig()
	cycle.Period = settings.CyclePeriod
	cycle.WakeInterval = settings.CycleWake
	cycle.SummaryEvery = settings.SummaryEvery

	return Options{
		Connector: wifi.ConnectorConfig{
			LinkPolls:      settings.LinkPolls,
			AddressRetries: settings.AddressRetries,
			PollInterval:   settings.PollInterval,
		},
		Portal: pcfg,
		Cycle:  cycle,
	}
}
