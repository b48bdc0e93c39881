package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the optional external relay (spec.md §9
// supplemented feature: "events may additionally be relayed to an
// external broker so a fleet of circusd instances share one bus").
type NATSConfig struct {
	URL           string
	ClientID      string
	SubjectPrefix string
	MaxReconnects int
}

// NATSRelay forwards every Bus event to a NATS subject, namespaced
// under SubjectPrefix. Grounded on kdlbs-kandev's NATSEventBus:
// reconnect-aware nats.Options and a best-effort Drain on Close.
type NATSRelay struct {
	conn   *nats.Conn
	prefix string
	logger Logger
}

// Logger is the minimal logging surface NATSRelay needs, satisfied by
// *logging.Logger without eventbus importing that package.
type Logger interface {
	Warn(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// NewNATSRelay dials cfg.URL with reconnect handling and returns a
// relay ready to register with a Bus via AddRelay.
func NewNATSRelay(cfg NATSConfig, logger Logger) (*NATSRelay, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats error", "subject", subject, "error", err.Error())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %q: %w", cfg.URL, err)
	}
	return &NATSRelay{conn: conn, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Relay implements eventbus.Relay by publishing to "<prefix>.<topic>".
func (r *NATSRelay) Relay(ev Event) {
	data, err := json.Marshal(map[string]interface{}{
		"topic":   ev.Topic,
		"payload": ev.Payload,
		"time":    ev.Published.Unix(),
	})
	if err != nil {
		return
	}
	subject := ev.Topic
	if r.prefix != "" {
		subject = r.prefix + "." + ev.Topic
	}
	if err := r.conn.Publish(subject, data); err != nil {
		r.logger.Error("nats publish failed", "subject", subject, "error", err.Error())
	}
}

// Close drains pending publishes and closes the connection.
func (r *NATSRelay) Close() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Drain(); err != nil {
		r.logger.Warn("nats drain failed, closing directly", "error", err.Error())
		r.conn.Close()
	}
}
