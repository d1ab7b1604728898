// Package queue is the outbox: a FIFO of messages submitted by local users for
// delivery to other servers, processed by a single worker.
//
// For the message at the head, the worker asks the destination server for its
// info with a discovery request and waits a limited time for an answer. Without
// answer, the message is abandoned and the sender gets a failure notice in its
// inbox. With an answer, a delivery session relays the message, and files a
// copy in the sender's sent folder or a failure notice in its inbox. Only then
// is the next message processed. There are no retries.
//
// The outbox is kept in memory only. Messages still queued at shutdown are
// lost, and logged.
package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dragonrelay/stellarmail/address"
	"github.com/dragonrelay/stellarmail/config"
	"github.com/dragonrelay/stellarmail/discovery"
	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/metrics"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/stellar-"
	"github.com/dragonrelay/stellarmail/store"
)

var pkglog = mlog.New("queue", nil)

var (
	metricEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stellar_queue_entries",
			Help: "Messages in the outbox, including the one being delivered.",
		},
	)
	metricDelivery = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stellar_queue_delivery_duration_seconds",
			Help:    "Processing of a message from the outbox, from discovery to outcome.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 15, 20, 30, 60},
		},
		[]string{
			"result", // ok, rejected, unreachable, timeout, encryption, abandoned, canceled, panic
		},
	)
)

// Delivery outcomes. They end up in a failure notice for the sender, they are
// never returned to the submitter.
var (
	ErrUnreachable        = errors.New("destination server unreachable")
	ErrTimeout            = errors.New("timeout waiting for destination server")
	ErrRejectedByPeer     = errors.New("rejected by destination server")
	ErrEncryptionRequired = errors.New("destination server does not support encryption")
)

var ErrClosed = errors.New("queue is shut down")

// State of a message in the outbox.
type State string

const (
	StateQueued            State = "queued"
	StateAwaitingDiscovery State = "awaiting-discovery"
	StateDelivering        State = "delivering"
	StateDone              State = "done"
	StateAbandoned         State = "abandoned"
)

// Msg is a message in the outbox.
type Msg struct {
	ID          int64
	Sender      string          // Local user that submitted the message, for filing the sent copy or notice.
	From        address.Address // Typically <sender>@<DomainRoot>.
	To          address.Address // Its domain is the destination server.
	Subject     string
	Body        string
	Attachments []json.RawMessage
	Queued      time.Time
	State       State
}

// Mailboxes is where sent copies and failure notices are filed, typically a
// *store.Store.
type Mailboxes interface {
	AppendMessage(ctx context.Context, user, folder string, m store.Message) (string, error)
}

// Dialer makes outgoing connections, e.g. a *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// AskFunc does a discovery request, discovery.Ask by default.
type AskFunc func(ctx context.Context, log mlog.Log, host string, port int) (discovery.Info, error)

// Options for a Queue. Zero ports and timeouts get the protocol defaults.
type Options struct {
	DomainRoot               dns.Domain // Failure notices are from postmaster at this domain.
	EnforceEncryptedDelivery bool

	PlainPort        int
	TLSPort          int
	DiscoveryPort    int
	DiscoveryTimeout time.Duration
	RelayTimeout     time.Duration

	// For relays over TLS. The ServerName is set per destination. If nil, the
	// system roots are used.
	TLSConfig *tls.Config

	Ask    AskFunc
	Dialer Dialer
}

// Queue is the outbox.
type Queue struct {
	log   mlog.Log
	boxes Mailboxes
	opts  Options

	sync.Mutex
	msgs   []*Msg // Head is being processed by the worker.
	nextID int64
	closed bool

	kick chan struct{}
	done chan struct{} // Closed when the worker stops.
}

// New returns a new queue. Start must be called to begin processing.
func New(log mlog.Log, boxes Mailboxes, opts Options) *Queue {
	opts.PlainPort = config.Port(opts.PlainPort, config.DefaultPlainPort)
	opts.TLSPort = config.Port(opts.TLSPort, config.DefaultTLSPort)
	opts.DiscoveryPort = config.Port(opts.DiscoveryPort, config.DefaultDiscoveryPort)
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = config.DefaultDiscoveryTimeout
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = config.DefaultRelayTimeout
	}
	if opts.Ask == nil {
		opts.Ask = discovery.Ask
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	return &Queue{
		log:   log.WithPkg("queue"),
		boxes: boxes,
		opts:  opts,
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Add appends a message to the outbox and returns its id immediately, before
// any delivery is attempted.
func (q *Queue) Add(log mlog.Log, m Msg) (int64, error) {
	q.Lock()
	if q.closed {
		q.Unlock()
		return 0, ErrClosed
	}
	q.nextID++
	m.ID = q.nextID
	m.Queued = time.Now()
	m.State = StateQueued
	q.msgs = append(q.msgs, &m)
	n := len(q.msgs)
	q.Unlock()

	metricEntries.Set(float64(n))
	log.Debug("queued message",
		slog.Int64("msgid", m.ID),
		slog.Any("from", m.From),
		slog.Any("to", m.To),
		slog.Int("queued", n))

	select {
	case q.kick <- struct{}{}:
	default:
	}
	return m.ID, nil
}

// List returns a copy of the messages in the outbox, in delivery order.
func (q *Queue) List() []Msg {
	q.Lock()
	defer q.Unlock()
	l := make([]Msg, len(q.msgs))
	for i, m := range q.msgs {
		l[i] = *m
	}
	return l
}

// Start launches the worker. It stops when ctx is done, after finishing or
// aborting the message it is processing.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)
		for {
			m := q.head()
			if m == nil {
				select {
				case <-ctx.Done():
					q.stop()
					return
				case <-q.kick:
				}
				continue
			}

			q.process(ctx, m)
			q.pop()

			if ctx.Err() != nil {
				q.stop()
				return
			}
		}
	}()
}

// Shutdown waits for a started worker to stop. The context passed to Start
// must be done, or it will wait indefinitely.
func (q *Queue) Shutdown() {
	<-q.done
}

func (q *Queue) head() *Msg {
	q.Lock()
	defer q.Unlock()
	if len(q.msgs) == 0 {
		return nil
	}
	return q.msgs[0]
}

func (q *Queue) pop() {
	q.Lock()
	q.msgs = q.msgs[1:]
	n := len(q.msgs)
	q.Unlock()
	metricEntries.Set(float64(n))
}

// stop refuses further messages and logs the ones dropped.
func (q *Queue) stop() {
	q.Lock()
	defer q.Unlock()
	q.closed = true
	for _, m := range q.msgs {
		q.log.Error("message dropped from outbox at shutdown",
			slog.Int64("msgid", m.ID),
			slog.Any("from", m.From),
			slog.Any("to", m.To))
	}
	q.msgs = nil
	metricEntries.Set(0)
}

func (q *Queue) setState(m *Msg, st State) {
	q.Lock()
	m.State = st
	q.Unlock()
}

// process runs discovery and delivery for a single message. Exactly one
// outcome is filed, except when aborted by ctx.
func (q *Queue) process(ctx context.Context, m *Msg) {
	cid := stellar.Cid()
	log := q.log.WithCid(cid).With(
		slog.Int64("msgid", m.ID),
		slog.Any("from", m.From),
		slog.Any("to", m.To))
	ctx = context.WithValue(ctx, mlog.CidKey, cid)

	start := time.Now()
	result := "ok"
	filed := false
	defer func() {
		x := recover()
		if x != nil {
			log.Error("delivery panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc("queue")
			result = "panic"
			if !filed {
				q.notify(log, m, fmt.Errorf("%w: internal error", ErrUnreachable))
			}
		}
		q.Lock()
		if m.State != StateAbandoned {
			m.State = StateDone
		}
		q.Unlock()
		metricDelivery.WithLabelValues(result).Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	host := m.To.Domain.ASCII
	q.setState(m, StateAwaitingDiscovery)
	dctx, dcancel := context.WithTimeout(ctx, q.opts.DiscoveryTimeout)
	info, err := q.opts.Ask(dctx, log, host, q.opts.DiscoveryPort)
	if err != nil {
		// Without an answer, the message is abandoned when the discovery timeout
		// expires, not earlier.
		<-dctx.Done()
	}
	dcancel()
	if err != nil {
		if ctx.Err() != nil {
			log.Info("discovery aborted by shutdown")
			result = "canceled"
			return
		}
		log.Infox("no discovery answer, abandoning message", err, slog.Duration("timeout", q.opts.DiscoveryTimeout))
		q.setState(m, StateAbandoned)
		result = "abandoned"
		filed = true
		q.notify(log, m, fmt.Errorf("%w: %s did not answer discovery request", ErrUnreachable, host))
		return
	}

	q.setState(m, StateDelivering)
	log.Debug("delivering",
		slog.String("servername", info.ServerName),
		slog.Bool("requiresencryption", info.RequiresEncryption))
	err = q.deliver(ctx, log, m, info)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrRejectedByPeer) && !errors.Is(err, ErrEncryptionRequired) {
		log.Infox("delivery aborted by shutdown", err)
		result = "canceled"
		return
	}
	result = deliveryResult(err)
	filed = true
	if err != nil {
		log.Infox("delivery failed", err)
		q.notify(log, m, err)
		return
	}
	log.Info("delivered", slog.String("servername", info.ServerName))
	q.fileSent(log, m)
}

func deliveryResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRejectedByPeer):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrEncryptionRequired):
		return "encryption"
	}
	return "unreachable"
}
