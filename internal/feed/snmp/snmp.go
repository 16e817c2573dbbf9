// Package snmp is a Feed that polls sensor values over SNMP. Each subscribed
// topic has a poller that GETs the topic's OIDs on an interval and
// dispatches one row per successful poll. Rows get a fresh UUID and the
// poll time as timestamp.
package snmp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/logging"
	"github.com/xtxerr/cistern/internal/storage/types"
)

var log = logging.Component("feed.snmp")

// Config holds agent and polling settings.
type Config struct {
	Host string
	Port uint16

	// v2c
	Community string

	// v3
	SecurityName  string
	SecurityLevel string
	AuthProtocol  string
	AuthPassword  string
	PrivProtocol  string
	PrivPassword  string
	ContextName   string

	Timeout  time.Duration
	Retries  int
	Interval time.Duration

	// MaxFailures is the number of consecutive failed polls after which
	// the topic's subscribers are told the feed is lost.
	MaxFailures int

	// Topics maps a cistern topic to its polled fields.
	Topics map[string][]Field
}

// Field maps one row column to an OID. The polled value is multiplied by
// Scale when Scale is non-zero.
type Field struct {
	Name  string
	OID   string
	Scale float64
}

// client is the part of gosnmp.GoSNMP a poller uses.
type client interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
}

// Feed implements feed.Feed by polling an SNMP agent.
type Feed struct {
	cfg  Config
	hub  *feed.Hub
	dial func() (client, func(), error)
	now  func() time.Time

	mu      sync.Mutex
	pollers map[string]*poller
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ feed.Feed = (*Feed)(nil)

// New creates a feed. Nothing is polled until a topic is subscribed.
func New(cfg Config) *Feed {
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(config.DefaultSNMPTimeoutMs) * time.Millisecond
	}
	if cfg.Retries <= 0 {
		cfg.Retries = config.DefaultSNMPRetries
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultSNMPInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}

	f := &Feed{cfg: cfg, hub: feed.NewHub(), now: time.Now, pollers: make(map[string]*poller)}
	f.dial = f.connect
	f.hub.OnFirst = f.startTopic
	f.hub.OnLast = f.stopTopic
	return f
}

func (f *Feed) Subscribe(_ context.Context, topic string, onEvent feed.Handler, onLost feed.LostHandler) (feed.Subscription, error) {
	return f.hub.Subscribe(topic, onEvent, onLost)
}

// Close stops all pollers and reports the loss to all subscribers.
func (f *Feed) Close() error {
	f.mu.Lock()
	pollers := f.pollers
	f.pollers = make(map[string]*poller)
	f.mu.Unlock()

	for _, p := range pollers {
		p.cancel()
		<-p.done
	}
	f.hub.Close(errors.ErrClosed)
	return nil
}

// Validate checks the agent settings and every topic mapping.
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.NewInvalidValue("host", "", "required"))
	}
	if c.SecurityName == "" && c.Community == "" {
		errs = append(errs, errors.NewInvalidValue("community", "", "v2c requires a community string"))
	}
	for topic, fields := range c.Topics {
		if len(fields) == 0 {
			errs = append(errs, errors.NewInvalidValue("topics."+topic, "", "no fields"))
		}
		for _, fl := range fields {
			if fl.Name == "" || fl.OID == "" {
				errs = append(errs, errors.NewInvalidValue("topics."+topic, fl.Name, "field needs name and oid"))
			}
		}
	}
	return errors.Join(errs...)
}

func (f *Feed) startTopic(topic string) error {
	fields, ok := f.cfg.Topics[topic]
	if !ok || len(fields) == 0 {
		return errors.NewUnknownTopic(topic)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	f.pollers[topic] = p
	f.mu.Unlock()

	go f.run(ctx, topic, fields, p)

	log.Info("polling", "topic", topic, "host", f.cfg.Host, "interval", f.cfg.Interval)
	return nil
}

func (f *Feed) stopTopic(topic string) {
	f.mu.Lock()
	p, ok := f.pollers[topic]
	delete(f.pollers, topic)
	f.mu.Unlock()

	// Not waiting on done: the last Unsubscribe may run on the poll goroutine.
	if ok {
		p.cancel()
	}
}

func (f *Feed) run(ctx context.Context, topic string, fields []Field, p *poller) {
	defer close(p.done)

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		row, err := f.Poll(topic, fields)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			log.Warn("poll failed", "topic", topic, "failures", failures, "error", err)
			if failures >= f.cfg.MaxFailures {
				f.mu.Lock()
				if f.pollers[topic] == p {
					delete(f.pollers, topic)
				}
				f.mu.Unlock()
				f.hub.Lost(topic, err)
				return
			}
		} else {
			failures = 0
			f.hub.Dispatch(topic, row)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll performs one GET for fields and builds the resulting row.
func (f *Feed) Poll(topic string, fields []Field) (types.Row, error) {
	c, closeFn, err := f.dial()
	if err != nil {
		return nil, err
	}
	defer closeFn()

	oids := make([]string, len(fields))
	for i, fl := range fields {
		oids[i] = fl.OID
	}

	pkt, err := c.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("snmp get %s: %w", topic, err)
	}
	return f.buildRow(topic, fields, pkt.Variables)
}

func (f *Feed) buildRow(topic string, fields []Field, vars []gosnmp.SnmpPDU) (types.Row, error) {
	byOID := make(map[string]gosnmp.SnmpPDU, len(vars))
	for _, v := range vars {
		byOID[normalizeOID(v.Name)] = v
	}

	row := types.Row{
		constants.FieldID:        uuid.NewString(),
		constants.FieldTimestamp: f.now().UnixMilli(),
	}
	for _, fl := range fields {
		v, ok := byOID[normalizeOID(fl.OID)]
		if !ok {
			return nil, fmt.Errorf("%s: no variable for %s (%s)", topic, fl.Name, fl.OID)
		}
		val, err := pduValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", topic, fl.Name, err)
		}
		if fl.Scale != 0 {
			val *= fl.Scale
		}
		row[fl.Name] = val
	}
	return row, nil
}

// pduValue converts a numeric variable to float64.
func pduValue(v gosnmp.SnmpPDU) (float64, error) {
	switch v.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.Gauge32:
		return float64(gosnmp.ToBigInt(v.Value).Uint64()), nil

	case gosnmp.Integer:
		return float64(gosnmp.ToBigInt(v.Value).Int64()), nil

	case gosnmp.TimeTicks:
		return float64(gosnmp.ToBigInt(v.Value).Uint64()), nil

	case gosnmp.OpaqueFloat:
		if x, ok := v.Value.(float32); ok {
			return float64(x), nil
		}
	case gosnmp.OpaqueDouble:
		if x, ok := v.Value.(float64); ok {
			return x, nil
		}

	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return 0, fmt.Errorf("OID %s not found", v.Name)
	}
	return 0, fmt.Errorf("unsupported type %v", v.Type)
}

func normalizeOID(oid string) string {
	if len(oid) > 0 && oid[0] == '.' {
		return oid[1:]
	}
	return oid
}

func (f *Feed) connect() (client, func(), error) {
	g := f.newClient()
	if err := g.Connect(); err != nil {
		return nil, nil, fmt.Errorf("%w: snmp connect %s: %w", errors.ErrConnectionFailed, f.cfg.Host, err)
	}
	return g, func() { g.Conn.Close() }, nil
}

func (f *Feed) newClient() *gosnmp.GoSNMP {
	g := &gosnmp.GoSNMP{
		Target:  f.cfg.Host,
		Port:    f.cfg.Port,
		Timeout: f.cfg.Timeout,
		Retries: f.cfg.Retries,
	}

	if f.cfg.SecurityName != "" {
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = msgFlags(f.cfg.SecurityLevel)
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 f.cfg.SecurityName,
			AuthenticationProtocol:   authProtocol(f.cfg.AuthProtocol),
			AuthenticationPassphrase: f.cfg.AuthPassword,
			PrivacyProtocol:          privProtocol(f.cfg.PrivProtocol),
			PrivacyPassphrase:        f.cfg.PrivPassword,
		}
		g.ContextName = f.cfg.ContextName
	} else {
		g.Version = gosnmp.Version2c
		g.Community = f.cfg.Community
	}
	return g
}

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(p string) gosnmp.SnmpV3AuthProtocol {
	switch p {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA256":
		return gosnmp.SHA256
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(p string) gosnmp.SnmpV3PrivProtocol {
	switch p {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}
