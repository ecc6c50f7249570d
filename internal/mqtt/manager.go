package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const qos = byte(1) // at least once

var (
	// ErrNotConnected is returned by Publish and Subscribe while the broker
	// connection is down.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("mqtt: connection manager closed")
)

// Handler receives every message matching a subscription.
type Handler func(topic string, payload []byte)

// Options configures the broker connection.
type Options struct {
	BrokerURL          string
	Username           string
	Password           string
	ClientID           string
	CleanSession       bool
	ReconnectInterval  time.Duration
	ConnectTimeout     time.Duration
	KeepAlive          time.Duration
	InsecureSkipVerify bool
}

// Manager owns the single broker connection shared by ingestion and command
// dispatch. Subscriptions are not remembered here; callers re-issue them from
// an OnConnect hook.
type Manager struct {
	opts    Options
	logger  *logrus.Logger
	factory func(*pahomqtt.ClientOptions) pahomqtt.Client

	dialMu sync.Mutex

	mu     sync.Mutex
	client pahomqtt.Client
	hooks  []func()
	closed bool
}

func NewManager(opts Options, logger *logrus.Logger) *Manager {
	if opts.ClientID == "" {
		opts.ClientID = "saic-fleet-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return &Manager{
		opts:    opts,
		logger:  logger,
		factory: pahomqtt.NewClient,
	}
}

// ClientID returns the client id presented to the broker.
func (m *Manager) ClientID() string { return m.opts.ClientID }

// OnConnect registers fn to run after every successful connect, including
// automatic reconnects. Hooks run on their own goroutine.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Connection returns the live client, dialing the broker if there is none.
// A client that is reconnecting on its own counts as live.
func (m *Manager) Connection(ctx context.Context) (pahomqtt.Client, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.client != nil && m.client.IsConnected() {
		c := m.client
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	opts, err := m.clientOptions()
	if err != nil {
		return nil, err
	}
	c := m.factory(opts)

	// Installed before dialing so hooks fired by the connect can use it.
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()

	if err := m.wait(ctx, c.Connect(), "connect to MQTT broker"); err != nil {
		m.mu.Lock()
		if m.client == c {
			m.client = nil
		}
		m.mu.Unlock()
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"broker":    cleanURL(m.opts.BrokerURL),
		"client_id": m.opts.ClientID,
	}).Info("MQTT client connected")
	return c, nil
}

// Publish sends payload at QoS 1 and waits for the broker acknowledgement,
// bounded by the connect timeout and ctx.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	c, err := m.open()
	if err != nil {
		return err
	}
	if err := m.wait(ctx, c.Publish(topic, qos, false, payload), "publish to topic "+topic); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("Published MQTT message")
	return nil
}

// Subscribe registers h for filter at QoS 1.
func (m *Manager) Subscribe(ctx context.Context, filter string, h Handler) error {
	c, err := m.open()
	if err != nil {
		return err
	}
	cb := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
	if err := m.wait(ctx, c.Subscribe(filter, qos, cb), "subscribe to topic "+filter); err != nil {
		return err
	}
	m.logger.WithField("topic", filter).Debug("Subscribed to MQTT topic")
	return nil
}

// Close disconnects from the broker. Later calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	c := m.client
	m.client = nil
	m.mu.Unlock()

	if c != nil {
		c.Disconnect(250)
	}
	m.logger.Info("MQTT client closed")
}

func (m *Manager) open() (pahomqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.client == nil || !m.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

func (m *Manager) wait(ctx context.Context, tok pahomqtt.Token, what string) error {
	timeout := m.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("failed to %s: %w", what, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to %s: %w", what, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%s timed out after %s", what, timeout)
	}
}

func (m *Manager) runHooks() {
	m.mu.Lock()
	hooks := make([]func(), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (m *Manager) clientOptions() (*pahomqtt.ClientOptions, error) {
	parsed, err := url.Parse(m.opts.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}

	opts := pahomqtt.NewClientOptions()

	broker := *parsed
	broker.User = nil
	switch parsed.Scheme {
	case "mqtt", "tcp":
		broker.Scheme = "tcp"
	case "mqtts", "ssl":
		broker.Scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: m.opts.InsecureSkipVerify})
	case "ws":
	case "wss":
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: m.opts.InsecureSkipVerify})
	default:
		return nil, fmt.Errorf("unsupported protocol scheme: %s (supported: mqtt, mqtts, ws, wss, tcp, ssl)", parsed.Scheme)
	}
	opts.AddBroker(broker.String())

	username, password := m.opts.Username, m.opts.Password
	if username == "" && parsed.User != nil {
		username = parsed.User.Username()
		password, _ = parsed.User.Password()
	}
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetClientID(m.opts.ClientID)
	opts.SetCleanSession(m.opts.CleanSession)
	opts.SetAutoReconnect(true)
	if m.opts.ReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(m.opts.ReconnectInterval)
		opts.SetConnectRetryInterval(m.opts.ReconnectInterval)
	}
	if m.opts.ConnectTimeout > 0 {
		opts.SetConnectTimeout(m.opts.ConnectTimeout)
	}
	if m.opts.KeepAlive > 0 {
		opts.SetKeepAlive(m.opts.KeepAlive)
	}

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		m.logger.Debug("MQTT reconnecting...")
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		m.logger.Debug("MQTT connected")
		m.runHooks()
	})

	return opts, nil
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}
