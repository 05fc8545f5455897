// Package mqtt forwards enriched readings to an MQTT v5 broker. A Publisher is
// a hub.Subscriber, so the pipeline fans out to it alongside WebSocket clients.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog"

	"github.com/hed1ad/vitalguard/pkg/hub"
)

const (
	DefaultTopic     = "vitalguard/readings"
	DefaultQoS       = 1
	DefaultKeepAlive = 30
)

// ErrNotConnected is returned by Push while the broker link is down.
var ErrNotConnected = errors.New("mqtt: not connected")

// Client is the subset of *paho.Client the publisher drives.
type Client interface {
	Connect(ctx context.Context, packet *paho.Connect) (*paho.Connack, error)
	Publish(ctx context.Context, packet *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(packet *paho.Disconnect) error
}

// ClientFactory builds a Client over an established connection.
type ClientFactory func(cfg paho.ClientConfig) Client

// Dialer opens the transport to the broker.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Publisher publishes every pushed payload to a single topic.
type Publisher struct {
	addr     string
	clientID string
	topic    string
	qos      byte

	dial    Dialer
	factory ClientFactory
	maxWait time.Duration

	mu     sync.Mutex
	client Client
	closed bool

	connected atomic.Bool
	session   atomic.Uint64

	logger zerolog.Logger
}

var _ hub.Subscriber = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

func WithTopic(topic string) Option {
	return func(p *Publisher) { p.topic = topic }
}

func WithQoS(qos byte) Option {
	return func(p *Publisher) { p.qos = qos }
}

func WithClientID(id string) Option {
	return func(p *Publisher) { p.clientID = id }
}

// WithConnectTimeout bounds the retrying initial connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.maxWait = d }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(p *Publisher) { p.dial = d }
}

// WithClientFactory replaces paho.NewClient, mainly for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(p *Publisher) { p.factory = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Publisher) { p.logger = l.With().Str("component", "mqtt").Logger() }
}

// NewPublisher parses a broker URL of the form mqtt://host:port (tcp:// is
// accepted too). It does not connect.
func NewPublisher(rawURL string, opts ...Option) (*Publisher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "1883")
	}

	p := &Publisher{
		addr:     addr,
		clientID: "vitalguard",
		topic:    DefaultTopic,
		qos:      DefaultQoS,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		factory: func(cfg paho.ClientConfig) Client { return paho.NewClient(cfg) },
		maxWait: 30 * time.Second,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Publisher) ID() string { return "mqtt-" + p.clientID }

// Connect establishes the broker session, retrying with exponential backoff
// until the connect timeout elapses.
func (p *Publisher) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = p.maxWait

	operation := func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return backoff.Permanent(hub.ErrUnavailable)
		}
		err := p.connectLocked(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Str("broker", p.addr).Msg("connect failed, retrying")
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("connect mqtt %s: %w", p.addr, err)
	}
	p.logger.Info().Str("broker", p.addr).Str("topic", p.topic).Msg("connected")
	return nil
}

func (p *Publisher) connectLocked(ctx context.Context) error {
	conn, err := p.dial(ctx, p.addr)
	if err != nil {
		return err
	}

	session := p.session.Add(1)
	c := p.factory(paho.ClientConfig{
		ClientID: p.clientID,
		Conn:     conn,
		OnClientError: func(err error) {
			p.logger.Warn().Err(err).Msg("client error")
			p.markDown(session)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			p.logger.Warn().Uint8("reason", d.ReasonCode).Msg("server disconnect")
			p.markDown(session)
		},
	})

	ack, err := c.Connect(ctx, &paho.Connect{
		ClientID:   p.clientID,
		KeepAlive:  DefaultKeepAlive,
		CleanStart: true,
	})
	if err != nil {
		conn.Close()
		return err
	}
	if ack.ReasonCode >= 0x80 {
		conn.Close()
		return fmt.Errorf("connack reason code 0x%02x", ack.ReasonCode)
	}

	p.client = c
	p.connected.Store(true)
	return nil
}

// markDown flags the link as lost unless a newer session has replaced it.
func (p *Publisher) markDown(session uint64) {
	if p.session.Load() == session {
		p.connected.Store(false)
	}
}

// Connected reports whether the broker session is up.
func (p *Publisher) Connected() bool {
	return p.connected.Load()
}

// Push publishes payload. A dropped session is re-established once per call;
// a failed attempt is reported as a plain error so the hub keeps the
// publisher registered. After Close it reports hub.ErrUnavailable.
func (p *Publisher) Push(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return hub.ErrUnavailable
	}
	if !p.connected.Load() {
		if err := p.connectLocked(ctx); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		p.logger.Info().Msg("reconnected")
	}
	c, session := p.client, p.session.Load()
	p.mu.Unlock()

	_, err := c.Publish(ctx, &paho.Publish{
		QoS:     p.qos,
		Topic:   p.topic,
		Payload: payload,
	})
	if err != nil {
		p.markDown(session)
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	return nil
}

// Close disconnects from the broker. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client == nil || !p.connected.Swap(false) {
		return nil
	}
	return p.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
