// Package broker hosts the embedded NATS server that bridges edge workers
// and the feed hub. Edge workers connect over the network; the hub uses the
// broker's internal client connection.
package broker

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const readyTimeout = 5 * time.Second

// Config holds the embedded server limits.
type Config struct {
	Port            int
	MaxPayload      int32 // max message size in bytes, frames are large JPEGs
	MaxPendingMsgs  int   // pending message cap per slow subscriber
	MaxPendingBytes int64 // pending byte cap per slow subscriber
}

// DefaultConfig returns the limits used in production.
func DefaultConfig() Config {
	return Config{
		Port:            4233,
		MaxPayload:      8 * 1024 * 1024,
		MaxPendingMsgs:  1000,
		MaxPendingBytes: 100 * 1024 * 1024,
	}
}

// Broker wraps an embedded NATS server together with an internal client
// connection used by the hub.
type Broker struct {
	server *server.Server
	conn   *nats.Conn
	port   int
	logger zerolog.Logger

	pendingMsgs  int
	pendingBytes int64

	published uint64
	dropped   uint64
}

// New creates and starts an embedded NATS server. It fails when the server
// is not ready for connections within the startup deadline; callers treat
// that as fatal since no streaming is possible without the broker.
func New(cfg Config, logger zerolog.Logger) (*Broker, error) {
	if cfg.MaxPendingMsgs <= 0 {
		cfg.MaxPendingMsgs = 1000
	}
	if cfg.MaxPendingBytes <= 0 {
		cfg.MaxPendingBytes = 100 * 1024 * 1024
	}

	opts := &server.Options{
		Host:          "0.0.0.0",
		Port:          cfg.Port,
		NoLog:         true,
		NoSigs:        true,
		MaxPayload:    cfg.MaxPayload,
		WriteDeadline: 10 * time.Second,
		MaxPending:    cfg.MaxPendingBytes,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create broker server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("broker not ready after %s", readyTimeout)
	}

	// cfg.Port may ask for a random free port, resolve the bound one
	port := cfg.Port
	if addr, ok := ns.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	nc, err := nats.Connect(
		ns.ClientURL(),
		nats.Name("feedcore-internal"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded broker: %w", err)
	}

	logger.Info().Int("port", port).Msg("Embedded broker started")

	return &Broker{
		server:       ns,
		conn:         nc,
		port:         port,
		logger:       logger,
		pendingMsgs:  cfg.MaxPendingMsgs,
		pendingBytes: cfg.MaxPendingBytes,
	}, nil
}

// Publish publishes a message to a subject. Failures are counted as drops.
func (b *Broker) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		atomic.AddUint64(&b.dropped, 1)
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// PublishIfSubscribers publishes only when the bus has at least one active
// subscription, so unwatched cameras cost nothing. Returns true when the
// message was published; skipped or failed publishes count as drops.
func (b *Broker) PublishIfSubscribers(subject string, data []byte) (bool, error) {
	if b.server.NumSubscriptions() == 0 {
		atomic.AddUint64(&b.dropped, 1)
		return false, nil
	}
	if err := b.conn.Publish(subject, data); err != nil {
		atomic.AddUint64(&b.dropped, 1)
		return false, err
	}
	atomic.AddUint64(&b.published, 1)
	return true, nil
}

// Subscribe subscribes to a subject. Handlers run on the broker's dispatch
// goroutines and must only do short, non-blocking work; a subscriber that
// falls behind the pending limits loses messages rather than growing memory.
func (b *Broker) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	sub.SetPendingLimits(b.pendingMsgs, int(b.pendingBytes))
	return sub, nil
}

// QueueSubscribe subscribes to a subject within a queue group.
func (b *Broker) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, err
	}
	sub.SetPendingLimits(b.pendingMsgs, int(b.pendingBytes))
	return sub, nil
}

// Request sends a request and waits for a single response.
func (b *Broker) Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return b.conn.Request(subject, data, timeout)
}

// Conn returns the internal client connection.
func (b *Broker) Conn() *nats.Conn {
	return b.conn
}

// Address returns the URL edge workers connect to.
func (b *Broker) Address() string {
	return fmt.Sprintf("nats://localhost:%d", b.port)
}

func (b *Broker) Port() int {
	return b.port
}

func (b *Broker) NumClients() int {
	return b.server.NumClients()
}

func (b *Broker) NumSubscriptions() uint32 {
	return b.server.NumSubscriptions()
}

// Stats holds broker traffic statistics.
type Stats struct {
	Clients       int    `json:"clients"`
	Subscriptions uint32 `json:"subscriptions"`
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
	InMsgs        int64  `json:"inMsgs"`
	OutMsgs       int64  `json:"outMsgs"`
	InBytes       int64  `json:"inBytes"`
	OutBytes      int64  `json:"outBytes"`
	SlowConsumers int64  `json:"slowConsumers"`
}

// Stats returns current server statistics.
func (b *Broker) Stats() Stats {
	stats := Stats{
		Clients:       b.server.NumClients(),
		Subscriptions: b.server.NumSubscriptions(),
		Published:     atomic.LoadUint64(&b.published),
		Dropped:       atomic.LoadUint64(&b.dropped),
	}
	if varz, _ := b.server.Varz(nil); varz != nil {
		stats.InMsgs = varz.InMsgs
		stats.OutMsgs = varz.OutMsgs
		stats.InBytes = varz.InBytes
		stats.OutBytes = varz.OutBytes
		stats.SlowConsumers = varz.SlowConsumers
	}
	return stats
}

// Shutdown closes the internal connection, then stops the server. The hub
// must have stopped routing before this is called.
func (b *Broker) Shutdown() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
	b.logger.Info().Msg("Embedded broker shut down")
}
