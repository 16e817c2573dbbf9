// Package mqtt is a Feed over an MQTT v5 broker. Each cistern topic maps to
// the MQTT topic Prefix+topic; payloads are JSON objects holding one row.
//
// The broker connection is opened lazily by the first Subscribe and dropped
// on any client error or server disconnect, which reports the loss to every
// subscriber. The next Subscribe dials again.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/logging"
)

var log = logging.Component("feed.mqtt")

// Config holds broker settings.
type Config struct {
	// Broker is the server URL, e.g. tcp://localhost:1883.
	Broker   string
	ClientID string
	Username string
	Password string

	// KeepAlive in seconds.
	KeepAlive uint16
	QoS       byte

	// Prefix is prepended to cistern topic names.
	Prefix string

	ConnectTimeout time.Duration
}

// Feed implements feed.Feed over MQTT.
type Feed struct {
	cfg Config
	hub *feed.Hub

	mu        sync.Mutex
	client    *paho.Client
	removeCb  func()
	connected bool
}

var _ feed.Feed = (*Feed)(nil)

// New creates a feed. No connection is made until the first Subscribe.
func New(cfg Config) *Feed {
	if cfg.Broker == "" {
		cfg.Broker = config.DefaultMQTTBroker
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = config.DefaultMQTTKeepAlive
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("cistern-%d", time.Now().UnixNano())
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	f := &Feed{cfg: cfg, hub: feed.NewHub()}
	f.hub.OnFirst = f.subscribeTopic
	f.hub.OnLast = f.unsubscribeTopic
	return f
}

func (f *Feed) Subscribe(_ context.Context, topic string, onEvent feed.Handler, onLost feed.LostHandler) (feed.Subscription, error) {
	return f.hub.Subscribe(topic, onEvent, onLost)
}

// Close disconnects and reports the loss to all subscribers.
func (f *Feed) Close() error {
	f.mu.Lock()
	c := f.client
	f.dropLocked()
	f.mu.Unlock()

	var err error
	if c != nil {
		err = c.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	f.hub.Close(errors.ErrClosed)
	return err
}

// MQTTTopic returns the broker topic for a cistern topic.
func (f *Feed) MQTTTopic(topic string) string {
	return f.cfg.Prefix + topic
}

func (f *Feed) subscribeTopic(topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ConnectTimeout)
	defer cancel()

	c, err := f.ensureConnected(ctx)
	if err != nil {
		return err
	}

	_, err = c.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic: f.MQTTTopic(topic),
			QoS:   f.cfg.QoS,
		}},
	})
	if err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", f.MQTTTopic(topic), err)
	}

	log.Info("subscribed", "topic", f.MQTTTopic(topic), "qos", f.cfg.QoS)
	return nil
}

func (f *Feed) unsubscribeTopic(topic string) {
	f.mu.Lock()
	c, ok := f.client, f.connected
	f.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ConnectTimeout)
	defer cancel()

	if _, err := c.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{f.MQTTTopic(topic)}}); err != nil {
		log.Warn("mqtt unsubscribe failed", "topic", f.MQTTTopic(topic), "error", err)
	}
}

func (f *Feed) ensureConnected(ctx context.Context) (*paho.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		return f.client, nil
	}

	conn, err := dial(ctx, f.cfg.Broker)
	if err != nil {
		return nil, err
	}

	// Callbacks run on paho goroutines; hand off so they never wait on f.mu.
	var c *paho.Client
	c = paho.NewClient(paho.ClientConfig{
		Conn:     conn,
		ClientID: f.cfg.ClientID,
		OnClientError: func(err error) {
			go f.onConnectionLost(c, err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			go f.onConnectionLost(c, fmt.Errorf("server disconnect, reason %d", d.ReasonCode))
		},
	})
	f.removeCb = c.AddOnPublishReceived(f.onPublish)

	ack, err := c.Connect(ctx, &paho.Connect{
		ClientID:     f.cfg.ClientID,
		CleanStart:   true,
		KeepAlive:    f.cfg.KeepAlive,
		Username:     f.cfg.Username,
		UsernameFlag: f.cfg.Username != "",
		Password:     []byte(f.cfg.Password),
		PasswordFlag: f.cfg.Password != "",
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: mqtt connect %s: %w", errors.ErrConnectionFailed, f.cfg.Broker, err)
	}
	if ack.ReasonCode >= 0x80 {
		conn.Close()
		return nil, fmt.Errorf("%w: mqtt connect %s: reason %d", errors.ErrConnectionFailed, f.cfg.Broker, ack.ReasonCode)
	}

	f.client = c
	f.connected = true
	log.Info("connected", "broker", f.cfg.Broker, "client_id", f.cfg.ClientID)
	return c, nil
}

func (f *Feed) onConnectionLost(c *paho.Client, err error) {
	f.mu.Lock()
	if !f.connected || f.client != c {
		f.mu.Unlock()
		return
	}
	f.dropLocked()
	f.mu.Unlock()

	log.Warn("connection lost", "broker", f.cfg.Broker, "error", err)
	f.hub.Lost("", err)
}

func (f *Feed) dropLocked() {
	if f.removeCb != nil {
		f.removeCb()
		f.removeCb = nil
	}
	f.connected = false
	f.client = nil
}

func (f *Feed) onPublish(pr paho.PublishReceived) (bool, error) {
	p := pr.Packet
	if p == nil || !strings.HasPrefix(p.Topic, f.cfg.Prefix) {
		return false, nil
	}
	topic := strings.TrimPrefix(p.Topic, f.cfg.Prefix)

	row, err := feed.DecodeJSON(p.Payload)
	if err != nil {
		log.Warn("dropping payload", "topic", p.Topic, "error", err)
		return true, nil
	}

	f.hub.Dispatch(topic, row)
	return true, nil
}

func dial(ctx context.Context, broker string) (net.Conn, error) {
	u, err := url.Parse(broker)
	if err != nil {
		return nil, errors.NewInvalidValue("broker", broker, err.Error())
	}

	switch u.Scheme {
	case "tcp", "mqtt", "":
	default:
		return nil, errors.NewInvalidValue("broker", broker, "unsupported scheme")
	}

	host := u.Host
	if host == "" {
		host = u.Path
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrConnectionFailed, err)
	}
	return conn, nil
}
