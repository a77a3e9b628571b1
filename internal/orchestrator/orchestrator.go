package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/bubao/CanMV-K230-Demo/internal/lifecycle"
	"github.com/bubao/CanMV-K230-Demo/internal/models"
	"github.com/bubao/CanMV-K230-Demo/internal/mqtt"
	"github.com/bubao/CanMV-K230-Demo/internal/portal"
	"github.com/bubao/CanMV-K230-Demo/internal/services"
	"github.com/bubao/CanMV-K230-Demo/internal/store"
	"github.com/bubao/CanMV-K230-Demo/internal/vision"
	"github.com/bubao/CanMV-K230-Demo/internal/wifi"
	"github.com/bubao/CanMV-K230-Demo/pkg/config"
)

// State is a step of the boot state machine
type State int

const (
	StateIdle State = iota
	StateLoadConfig
	StateConnectOrPortal
	StateSyncTime
	StateConnectSink
	StateRunCycle
	StateStartPortal
	StateServeForever
	StateTeardown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLoadConfig:
		return "LoadConfig"
	case StateConnectOrPortal:
		return "ConnectOrPortal"
	case StateSyncTime:
		return "SyncTime"
	case StateConnectSink:
		return "ConnectSink"
	case StateRunCycle:
		return "RunCycle"
	case StateStartPortal:
		return "StartPortal"
	case StateServeForever:
		return "ServeForever"
	case StateTeardown:
		return "Teardown"
	case StateDone:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Boot paths recorded in BootEvent.Path
const (
	PathConnected = "connected"
	PathPortal    = "portal"
)

// AppContext is the explicitly passed application state
type AppContext struct {
	Store    *store.Store
	Settings *config.Config
}

// Sink is the telemetry session the connected path opens
type Sink interface {
	services.Publisher
	Connect(ctx context.Context) bool
	IsConnected() bool
	Disconnect()
}

// Archive is the optional record store for detections and boot events
type Archive interface {
	services.Archiver
	SaveBootEvent(ctx context.Context, ev *models.BootEvent) error
	Close() error
}

// TimeSyncer sets the clock; the result is advisory
type TimeSyncer interface {
	Sync(ctx context.Context, cfg models.NTPConfig) bool
}

// Deps are the hardware and service ports the state machine drives.
// OpenArchive may be nil.
type Deps struct {
	Station      wifi.Station
	AccessPoint  wifi.AccessPoint
	TimeSync     TimeSyncer
	NewSink      func(cfg models.MQTTConfig) Sink
	OpenPipeline func(ctx context.Context) (vision.Pipeline, error)
	OpenDetector func(ctx context.Context, params models.DetectorParams) (vision.Detector, error)
	OpenArchive  func(ctx context.Context, clientID string) (Archive, error)
	Clock        clock.WithTicker
}

// Options tune the state machine
type Options struct {
	Connector   wifi.ConnectorConfig
	Portal      portal.Config
	Cycle       services.DetectionServiceConfig
	// ForcePortal skips the connection attempt on the first pass.
	// Passes after a portal reset connect as usual.
	ForcePortal bool
	OnState     func(State)
}

// Orchestrator sequences connection, portal fallback and the detection
// cycle, and releases every acquired resource on each exit path.
type Orchestrator struct {
	app  AppContext
	deps Deps
	opts Options

	mu     sync.Mutex
	state  State
	portal *portal.Portal
	boots  int
	forced bool // ForcePortal, pending for the first pass only
}

// New creates an orchestrator
func New(app AppContext, deps Deps, opts Options) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if opts.Connector == (wifi.ConnectorConfig{}) {
		opts.Connector = wifi.DefaultConnectorConfig()
	}
	return &Orchestrator{app: app, deps: deps, opts: opts, forced: opts.ForcePortal}
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Portal returns the portal of the current boot pass, or nil
func (o *Orchestrator) Portal() *portal.Portal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.portal
}

// Boots returns how many boot passes have started
func (o *Orchestrator) Boots() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.boots
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()

	klog.V(2).Infof("Lifecycle: state %s", s)
	if o.opts.OnState != nil {
		o.opts.OnState(s)
	}
}

// Run executes boot passes until ctx is cancelled (nil) or a pass fails
// with an unrecoverable error. A portal reset starts a new pass after
// the previous one has been torn down.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.setState(StateDone)

	for {
		err := o.boot(ctx)
		if errors.Is(err, portal.ErrResetRequested) {
			if ctx.Err() != nil {
				return nil
			}
			klog.Info("Lifecycle: reset requested, reloading configuration")
			continue
		}
		if err != nil {
			klog.Errorf("Lifecycle: boot failed: %v", err)
		}
		return err
	}
}

// boot runs one pass; the stack is released before it returns
func (o *Orchestrator) boot(ctx context.Context) (err error) {
	o.mu.Lock()
	o.boots++
	o.portal = nil
	forcePortal := o.forced
	o.forced = false
	o.mu.Unlock()

	stack := &lifecycle.Stack{}
	defer func() {
		o.setState(StateTeardown)
		if relErr := stack.Release(); relErr != nil {
			klog.Warningf("Lifecycle: teardown: %v", relErr)
		}
	}()

	o.setState(StateLoadConfig)
	cfg, loadErr := o.app.Store.Load()
	if loadErr != nil {
		klog.Warningf("Lifecycle: %v, falling back to portal", loadErr)
		cfg = nil
	}

	o.setState(StateConnectOrPortal)
	if cfg == nil || forcePortal {
		return o.runPortal(ctx, stack, cfg)
	}

	connector := wifi.NewConnector(o.deps.Station, o.opts.Connector, o.deps.Clock)
	outcome, err := connector.Attempt(ctx, cfg.WiFi.Networks)
	if err != nil {
		return nil
	}
	if !outcome.Connected {
		klog.Infof("Lifecycle: no network joined after %d attempts, starting portal", len(outcome.Attempts))
		return o.runPortal(ctx, stack, cfg)
	}
	return o.runConnected(ctx, stack, cfg, outcome)
}

func (o *Orchestrator) runConnected(ctx context.Context, stack *lifecycle.Stack, cfg *models.DeviceConfig, outcome wifi.Outcome) error {
	klog.Infof("Lifecycle: connected to %q at %s", outcome.SSID, outcome.Address)

	o.setState(StateSyncTime)
	synced := false
	if o.deps.TimeSync != nil {
		synced = o.deps.TimeSync.Sync(ctx, cfg.NTP)
	}
	if ctx.Err() != nil {
		return nil
	}

	o.setState(StateConnectSink)
	clientID := cfg.MQTT.ClientIDOrDefault()
	sink := o.deps.NewSink(cfg.MQTT)
	stack.PushCloser("sink", sink.Disconnect)
	sinkUp := false
	if cfg.MQTT.Broker == "" {
		klog.Warning("Lifecycle: no broker configured, running detect-only")
	} else {
		sinkUp = sink.Connect(ctx)
	}
	if ctx.Err() != nil {
		return nil
	}

	pipeline, err := o.deps.OpenPipeline(ctx)
	if err != nil {
		return fmt.Errorf("failed to open pipeline: %w", err)
	}
	stack.Push("pipeline", pipeline.Close)

	detector, err := o.deps.OpenDetector(ctx, cfg.Detector)
	if err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}
	stack.Push("detector", detector.Close)

	var archive Archive
	if o.deps.OpenArchive != nil {
		archive, err = o.deps.OpenArchive(ctx, clientID)
		if err != nil {
			klog.Warningf("Lifecycle: archive unavailable: %v", err)
			archive = nil
		} else {
			stack.Push("archive", archive.Close)
		}
	}

	ev := &models.BootEvent{
		Timestamp: o.deps.Clock.Now(),
		BootID:    uuid.NewString(),
		Path:      PathConnected,
		SSID:      outcome.SSID,
		Address:   outcome.Address,
		Attempts:  len(outcome.Attempts),
		TimeSync:  synced,
		SinkUp:    sinkUp,
	}
	o.recordBoot(ctx, archive, ev)

	cycle := o.opts.Cycle
	cycle.ClientID = clientID
	cycle.Topic = mqtt.DetectionTopic(cfg.MQTT.TopicDetection, clientID)
	if cycle.Labels == nil {
		cycle.Labels = cfg.Detector.Labels()
	}
	svc := services.NewDetectionService(pipeline, detector, sink, cycle, o.deps.Clock)
	if archive != nil {
		svc.SetArchiver(archive)
	}

	o.setState(StateRunCycle)
	return svc.Run(ctx)
}

func (o *Orchestrator) runPortal(ctx context.Context, stack *lifecycle.Stack, cfg *models.DeviceConfig) error {
	pcfg := o.opts.Portal
	if cfg != nil {
		pcfg.AP = cfg.AP
	}

	p := portal.New(pcfg, o.deps.AccessPoint, o.deps.Station, o.app.Store)
	o.mu.Lock()
	o.portal = p
	o.mu.Unlock()
	stack.Push("portal", p.Stop)

	o.setState(StateStartPortal)
	if err := p.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if err := p.Listen(); err != nil {
		return err
	}

	o.recordBoot(ctx, nil, &models.BootEvent{
		Timestamp: o.deps.Clock.Now(),
		BootID:    uuid.NewString(),
		Path:      PathPortal,
		SSID:      p.SSID(),
		Address:   p.Address(),
	})

	o.setState(StateServeForever)
	return p.Serve(ctx)
}

func (o *Orchestrator) recordBoot(ctx context.Context, archive Archive, ev *models.BootEvent) {
	klog.Infof("Lifecycle: boot %s path=%s ssid=%q address=%s attempts=%d timesync=%v sink=%v",
		ev.BootID, ev.Path, ev.SSID, ev.Address, ev.Attempts, ev.TimeSync, ev.SinkUp)
	if archive == nil {
		return
	}
	if err := archive.SaveBootEvent(ctx, ev); err != nil {
		klog.Warningf("Lifecycle: failed to archive boot event: %v", err)
	}
}
