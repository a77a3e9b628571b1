package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"k8s.io/klog/v2"
)

var (
	// ErrConnectFailed means the broker could not be reached or refused the session
	ErrConnectFailed = errors.New("mqtt connect failed")
	// ErrPublishFailed means a single send attempt failed
	ErrPublishFailed = errors.New("mqtt publish failed")
)

// ClientConfig holds MQTT sink configuration
type ClientConfig struct {
	Broker         string // e.g. "tcp://10.0.0.2:1883"
	ClientID       string
	Username       string
	Password       string
	StatusTopic    string // retained online/offline topic, empty disables it
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Stats counts publish outcomes since creation
type Stats struct {
	Published uint64
	Skipped   uint64
	Failed    uint64
}

// Sink is a best-effort telemetry sink over one MQTT session.
// Publishing while disconnected is a silent no-op so detection never
// stalls on an unreachable broker.
type Sink struct {
	client mqtt.Client
	config ClientConfig

	mu        sync.Mutex
	connected bool
	closed    bool
	stats     Stats
}

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// NewSink creates a sink; no network activity happens until Connect
func NewSink(config ClientConfig) *Sink {
	config = withDefaults(config)
	s := &Sink{config: config}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(config.ConnectTimeout)
	if config.StatusTopic != "" {
		opts.SetWill(config.StatusTopic, statusOffline, 1, true)
	}

	s.client = mqtt.NewClient(opts)
	return s
}

// newSinkWithClient wires an existing paho client, used by tests
func newSinkWithClient(client mqtt.Client, config ClientConfig) *Sink {
	return &Sink{client: client, config: withDefaults(config)}
}

func withDefaults(config ClientConfig) ClientConfig {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return config
}

// Connect opens the session. It never returns an error to the caller:
// false leaves the sink in the disconnected state.
func (s *Sink) Connect(ctx context.Context) bool {
	token := s.client.Connect()
	if err := waitToken(ctx, token, s.config.ConnectTimeout); err != nil {
		klog.Warningf("MQTT Sink: %v: %s: %v", ErrConnectFailed, s.config.Broker, err)
		// abort the attempt paho may still be running
		s.client.Disconnect(0)
		s.setConnected(false)
		return false
	}

	s.setConnected(true)
	klog.Infof("MQTT Sink: connected to broker %s as %s", s.config.Broker, s.config.ClientID)

	if s.config.StatusTopic != "" {
		t := s.client.Publish(s.config.StatusTopic, 1, true, statusOnline)
		if err := waitToken(ctx, t, s.config.PublishTimeout); err != nil {
			klog.Warningf("MQTT Sink: failed to publish status: %v", err)
		}
	}
	return true
}

// Publish performs exactly one QoS 0 send when connected, nothing otherwise
func (s *Sink) Publish(topic string, payload []byte) error {
	if !s.IsConnected() {
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		return nil
	}

	token := s.client.Publish(topic, 0, false, payload)
	err := waitToken(context.Background(), token, s.config.PublishTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.Failed++
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, topic, err)
	}
	s.stats.Published++
	return nil
}

// IsConnected reports the explicitly tracked session state
func (s *Sink) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

// Stats returns a snapshot of the publish counters
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Disconnect closes the session; safe to call more than once
func (s *Sink) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if !s.client.IsConnectionOpen() {
		if wasConnected {
			klog.Info("MQTT Sink: connection already closed")
		}
		return
	}

	if s.config.StatusTopic != "" {
		t := s.client.Publish(s.config.StatusTopic, 1, true, statusOffline)
		t.WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
	klog.Info("MQTT Sink: disconnected")
}

func (s *Sink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Sink) onConnect(client mqtt.Client) {
	klog.V(2).Info("MQTT Sink: connection established")
	s.setConnected(true)
}

func (s *Sink) onConnectionLost(client mqtt.Client, err error) {
	klog.Warningf("MQTT Sink: connection lost: %v", err)
	s.setConnected(false)
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %v", timeout)
	}
}
