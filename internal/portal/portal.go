package portal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
	"github.com/bubao/CanMV-K230-Demo/internal/wifi"
)

var (
	// ErrBindFailed means a portal listener could not be bound; there is no further fallback
	ErrBindFailed = errors.New("portal bind failed")
	// ErrResetRequested is returned by Serve after a reset request was answered
	ErrResetRequested = errors.New("portal reset requested")
)

// BindError reports which listener failed to bind
type BindError struct {
	Proto string
	Addr  string
	Err   error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", ErrBindFailed, e.Proto, e.Addr, e.Err)
}

func (e *BindError) Is(target error) bool { return target == ErrBindFailed }
func (e *BindError) Unwrap() error        { return e.Err }

// State is the portal lifecycle state
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateServing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateListening:
		return "Listening"
	case StateServing:
		return "Serving"
	case StateStopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// NetworkStore is the slice of the config store the portal edits
type NetworkStore interface {
	Networks() ([]models.NetworkCredential, error)
	UpdateNetwork(ssid string, patch models.NetworkPatch) (bool, error)
	RemoveNetwork(ssid string) (bool, error)
}

// Config holds the portal settings
type Config struct {
	AP              models.APConfig
	HTTPAddr        string        // default ":80"
	DNSAddr         string        // default ":53"
	CaptureDomain   string        // empty captures every name
	PagePath        string        // static page, empty serves the built-in page
	PollInterval    time.Duration // AP activation poll
	FallbackAddress string        // answer address when the AP reports none
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default portal settings
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":80",
		DNSAddr:         ":53",
		PollInterval:    time.Second,
		FallbackAddress: "192.168.4.1",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Portal is the captive configuration portal: an access point, a DNS
// responder that points clients at the device and a small HTTP API over
// the config store.
type Portal struct {
	config  Config
	ap      wifi.AccessPoint
	station wifi.Station
	store   NetworkStore

	mu       sync.Mutex
	state    State
	ssid     string
	address  string
	scanned  []string
	dnsConn  net.PacketConn
	httpLn   net.Listener
	apActive bool

	httpMu    sync.Mutex // one HTTP request at a time
	ready     chan struct{}
	readyOnce sync.Once
	reset     chan struct{}
	resetOnce sync.Once
	stopOnce  sync.Once
}

// New creates a portal. Zero config fields take DefaultConfig values.
func New(config Config, ap wifi.AccessPoint, station wifi.Station, store NetworkStore) *Portal {
	def := DefaultConfig()
	if config.HTTPAddr == "" {
		config.HTTPAddr = def.HTTPAddr
	}
	if config.DNSAddr == "" {
		config.DNSAddr = def.DNSAddr
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.FallbackAddress == "" {
		config.FallbackAddress = def.FallbackAddress
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	return &Portal{
		config:  config,
		ap:      ap,
		station: station,
		store:   store,
		scanned: []string{},
		ready:   make(chan struct{}),
		reset:   make(chan struct{}),
	}
}

// State returns the current lifecycle state
func (p *Portal) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Portal) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	klog.V(2).Infof("CaptivePortal: %s -> %s", prev, s)
}

// SSID returns the access point name chosen by Start
func (p *Portal) SSID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ssid
}

// Address returns the portal's own address handed out in DNS answers
func (p *Portal) Address() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

// HTTPAddr returns the bound HTTP listener address, empty before Listen
func (p *Portal) HTTPAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.httpLn == nil {
		return ""
	}
	return p.httpLn.Addr().String()
}

// DNSAddr returns the bound DNS listener address, empty before Listen
func (p *Portal) DNSAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dnsConn == nil {
		return ""
	}
	return p.dnsConn.LocalAddr().String()
}

// Ready is closed once the portal is serving requests
func (p *Portal) Ready() <-chan struct{} {
	return p.ready
}

// Start scans for nearby networks, brings the access point up and waits
// until it reports active. The wait has no deadline other than ctx.
func (p *Portal) Start(ctx context.Context) error {
	p.setState(StateStarting)

	scanned, err := p.station.Scan(ctx)
	if err != nil {
		klog.Warningf("CaptivePortal: scan failed: %v", err)
	}
	if scanned == nil {
		scanned = []string{}
	}

	ssid := p.config.AP.SSID
	if ssid == "" {
		ssid = generateSSID(scanned)
	}
	password := p.config.AP.Password
	if password == "" {
		password = models.DefaultAPPassword
	}

	p.mu.Lock()
	p.scanned = scanned
	p.ssid = ssid
	p.mu.Unlock()

	if err := p.ap.Start(ctx, ssid, password); err != nil {
		return fmt.Errorf("failed to start access point: %w", err)
	}
	p.mu.Lock()
	p.apActive = true
	p.mu.Unlock()

	for !p.ap.Active(ctx) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.config.PollInterval):
		}
	}

	addr := p.ap.Address(ctx)
	if wifi.IsPlaceholderAddress(addr) {
		klog.Warningf("CaptivePortal: access point reported no address, using %s", p.config.FallbackAddress)
		addr = p.config.FallbackAddress
	}
	p.mu.Lock()
	p.address = addr
	p.mu.Unlock()

	klog.Infof("CaptivePortal: access point %q up at %s (%d networks visible)", ssid, addr, len(scanned))
	return nil
}

// Listen binds the DNS and HTTP listeners
func (p *Portal) Listen() error {
	dnsConn, err := net.ListenPacket("udp", p.config.DNSAddr)
	if err != nil {
		return &BindError{Proto: "udp", Addr: p.config.DNSAddr, Err: err}
	}
	httpLn, err := net.Listen("tcp", p.config.HTTPAddr)
	if err != nil {
		_ = dnsConn.Close()
		return &BindError{Proto: "tcp", Addr: p.config.HTTPAddr, Err: err}
	}

	p.mu.Lock()
	p.dnsConn = dnsConn
	p.httpLn = httpLn
	p.mu.Unlock()

	p.setState(StateListening)
	klog.Infof("CaptivePortal: listening dns=%s http=%s", dnsConn.LocalAddr(), httpLn.Addr())
	return nil
}

// Serve answers DNS and HTTP requests until ctx is cancelled (nil), a reset
// is requested (ErrResetRequested) or a listener fails.
func (p *Portal) Serve(ctx context.Context) error {
	p.mu.Lock()
	dnsConn, httpLn := p.dnsConn, p.httpLn
	p.mu.Unlock()
	if dnsConn == nil || httpLn == nil {
		return errors.New("portal is not listening")
	}

	srv := &http.Server{
		Handler:           p.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	srv.SetKeepAlivesEnabled(false)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.serveDNS(dnsConn)
	})

	g.Go(func() error {
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		var result error
		select {
		case <-gctx.Done():
		case <-p.reset:
			result = ErrResetRequested
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("CaptivePortal: http shutdown: %v", err)
		}
		_ = dnsConn.Close()
		return result
	})

	p.setState(StateServing)
	p.readyOnce.Do(func() { close(p.ready) })

	err := g.Wait()
	if errors.Is(err, ErrResetRequested) {
		klog.Info("CaptivePortal: reset requested")
	}
	return err
}

// requestReset asks Serve to wind down after the current response
func (p *Portal) requestReset() {
	p.resetOnce.Do(func() { close(p.reset) })
}

// Stop deactivates the access point and closes the listeners; idempotent
func (p *Portal) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		dnsConn, httpLn, apActive := p.dnsConn, p.httpLn, p.apActive
		p.mu.Unlock()

		if dnsConn != nil {
			_ = dnsConn.Close()
		}
		if httpLn != nil {
			_ = httpLn.Close()
		}
		if apActive {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if stopErr := p.ap.Stop(ctx); stopErr != nil {
				err = fmt.Errorf("failed to stop access point: %w", stopErr)
			}
		}

		p.setState(StateStopped)
		klog.Info("CaptivePortal: stopped")
	})
	return err
}

const ssidSuffixLen = 6

// generateSSID returns "AP_" plus six uppercase characters not colliding with taken
func generateSSID(taken []string) string {
	seen := make(map[string]bool, len(taken))
	for _, s := range taken {
		seen[s] = true
	}

	var ssid string
	for i := 0; i < 100; i++ {
		id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		ssid = "AP_" + id[:ssidSuffixLen]
		if !seen[ssid] {
			break
		}
	}
	return ssid
}
