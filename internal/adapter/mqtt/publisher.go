// Package mqtt publishes register readings to an MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/Jonathan0823/nexusbus/internal/domain"
	"github.com/Jonathan0823/nexusbus/internal/metrics"
)

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "nexusbus",
		TopicPrefix:    "nexusbus",
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// Stats tracks publish outcomes.
type Stats struct {
	Published atomic.Uint64
	Failed    atomic.Uint64
	InFlight  atomic.Int64
}

// Publisher sends readings to the broker. PublishAsync calls are tracked so
// the poller can drain outstanding publishes with a bounded grace period
// during shutdown.
type Publisher struct {
	config    Config
	logger    zerolog.Logger
	registry  *metrics.Registry
	stats     Stats
	connected atomic.Bool

	mu     sync.RWMutex
	client pahomqtt.Client
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher. Connect must be called before use.
func NewPublisher(config Config, registry *metrics.Registry, logger zerolog.Logger) *Publisher {
	def := DefaultConfig()
	if config.BrokerURL == "" {
		config.BrokerURL = def.BrokerURL
	}
	if config.ClientID == "" {
		config.ClientID = def.ClientID
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = def.TopicPrefix
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = def.KeepAlive
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = def.PublishTimeout
	}
	return &Publisher{
		config:   config,
		logger:   logger.With().Str("component", "mqtt").Logger(),
		registry: registry,
	}
}

// Connect establishes the broker connection.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	if p.config.TLSEnabled {
		tlsConfig, err := p.tlsConfig()
		if err != nil {
			return fmt.Errorf("tls config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.connected.Store(false)
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		p.connected.Store(true)
		p.logger.Info().Msg("MQTT connected")
	})

	client := pahomqtt.NewClient(opts)
	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	done := make(chan bool, 1)
	go func() { done <- token.WaitTimeout(p.config.ConnectTimeout) }()

	select {
	case ok := <-done:
		if !ok {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	p.connected.Store(true)
	return nil
}

// Connected reports whether the broker connection is up.
func (p *Publisher) Connected() bool {
	return p.connected.Load()
}

// PublishReading publishes one reading and waits for the broker ack.
func (p *Publisher) PublishReading(ctx context.Context, reading *domain.Reading) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil || !p.connected.Load() {
		p.recordPublish(false)
		return domain.ErrMQTTNotConnected
	}

	payload, err := reading.ToJSON()
	if err != nil {
		p.recordPublish(false)
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, err)
	}
	topic := reading.Topic(p.config.TopicPrefix)

	token := client.Publish(topic, p.config.QoS, p.config.Retain, payload)
	done := make(chan bool, 1)
	go func() { done <- token.WaitTimeout(p.config.PublishTimeout) }()

	select {
	case ok := <-done:
		if !ok {
			p.recordPublish(false)
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if err := token.Error(); err != nil {
			p.recordPublish(false)
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, err)
		}
	case <-ctx.Done():
		p.recordPublish(false)
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.recordPublish(true)
	return nil
}

// PublishAsync publishes a reading without blocking the caller. Failures are
// logged, never returned; polling must not stall on a slow broker.
func (p *Publisher) PublishAsync(reading *domain.Reading) {
	p.wg.Add(1)
	p.stats.InFlight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.stats.InFlight.Add(-1)
		ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
		defer cancel()
		if err := p.PublishReading(ctx, reading); err != nil {
			p.logger.Warn().
				Err(err).
				Str("device_id", reading.DeviceID).
				Msg("MQTT publish failed")
		}
	}()
}

// Drain waits up to grace for outstanding async publishes to finish. It
// reports whether everything completed in time.
func (p *Publisher) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		p.logger.Warn().
			Int64("in_flight", p.stats.InFlight.Load()).
			Msg("Shutdown grace elapsed with publishes outstanding")
		return false
	}
}

// Disconnect drains pending publishes and closes the connection.
func (p *Publisher) Disconnect() {
	p.Drain(p.config.PublishTimeout)

	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// StatsSnapshot returns the publish counters.
func (p *Publisher) StatsSnapshot() (published, failed uint64, inFlight int64) {
	return p.stats.Published.Load(), p.stats.Failed.Load(), p.stats.InFlight.Load()
}

func (p *Publisher) recordPublish(success bool) {
	if success {
		p.stats.Published.Add(1)
	} else {
		p.stats.Failed.Add(1)
	}
	if p.registry != nil {
		p.registry.RecordMQTTPublish(success)
	}
}

func (p *Publisher) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no valid certificates in %s", p.config.TLSCAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
