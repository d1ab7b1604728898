// Package discovery implements the request/response exchange over UDP that a
// server does before delivering to a peer: is the peer there, what is its name,
// and does it require encryption.
//
// A request is a single datagram with JSON {"kind":"ASK_INFO"}. The peer answers
// with {"kind":"GOT_INFO","serverName":"...","requiresEncryption":bool} to the
// address the request came from. There are no retries at this level, the
// caller decides how long to wait.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dragonrelay/stellarmail/metrics"
	"github.com/dragonrelay/stellarmail/mlog"
)

var pkglog = mlog.New("discovery", nil)

var (
	metricRequest = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stellar_discovery_request_total",
			Help: "Incoming discovery datagrams.",
		},
		[]string{
			"result", // answered, malformed, ignored, error
		},
	)
	metricAsk = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stellar_discovery_ask_duration_seconds",
			Help:    "Outgoing discovery requests and time until an answer.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"result", // ok, timeout, error
		},
	)
)

const (
	KindAskInfo = "ASK_INFO"
	KindGotInfo = "GOT_INFO"
)

// Maximum size of a datagram we read. Answers are tiny.
const maxDatagram = 2048

var ErrNoAnswer = errors.New("discovery: no answer")

// Info is what a server tells about itself.
type Info struct {
	ServerName         string
	RequiresEncryption bool
}

// packet is the JSON form of both requests and answers. Fields of an answer are
// always present, also when empty.
type packet struct {
	Kind               string `json:"kind"`
	ServerName         string `json:"serverName"`
	RequiresEncryption bool   `json:"requiresEncryption"`
}

var askDatagram = []byte(`{"kind":"` + KindAskInfo + `"}`)

// Responder answers discovery requests on a packet connection.
type Responder struct {
	log  mlog.Log
	conn net.PacketConn
	info Info
}

// NewResponder returns a responder that will answer requests on conn with info.
func NewResponder(log mlog.Log, conn net.PacketConn, info Info) *Responder {
	return &Responder{log.WithPkg("discovery"), conn, info}
}

// Serve reads and answers requests until ctx is done, after which the
// connection is closed and nil returned. Other read errors are returned.
func (r *Responder) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			err := r.conn.Close()
			r.log.Check(err, "closing discovery connection")
		case <-stop:
		}
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read discovery request: %w", err)
		}
		r.handle(buf[:n], addr)
	}
}

func (r *Responder) handle(buf []byte, addr net.Addr) {
	defer func() {
		x := recover()
		if x != nil {
			r.log.Error("unhandled panic in discovery", slog.Any("err", x))
			metrics.PanicInc("discovery")
		}
	}()

	log := r.log.With(slog.Any("remote", addr))

	var p packet
	if err := json.Unmarshal(buf, &p); err != nil {
		log.Debugx("malformed discovery datagram, ignoring", err)
		metricRequest.WithLabelValues("malformed").Inc()
		return
	}
	if p.Kind != KindAskInfo {
		log.Debug("unexpected discovery datagram, ignoring", slog.String("kind", p.Kind))
		metricRequest.WithLabelValues("ignored").Inc()
		return
	}

	answer, err := json.Marshal(packet{KindGotInfo, r.info.ServerName, r.info.RequiresEncryption})
	if err != nil {
		log.Errorx("marshal discovery answer", err)
		metricRequest.WithLabelValues("error").Inc()
		return
	}
	if _, err := r.conn.WriteTo(answer, addr); err != nil {
		log.Infox("writing discovery answer", err)
		metricRequest.WithLabelValues("error").Inc()
		return
	}
	log.Debug("answered discovery request")
	metricRequest.WithLabelValues("answered").Inc()
}

// Ask sends a single discovery request to host and port from an ephemeral
// socket, and returns the first answer. Datagrams that are not an answer are
// skipped, as are refusals of the request. If no answer arrives before ctx is
// done, an error wrapping both ErrNoAnswer and the context error is returned.
func Ask(ctx context.Context, log mlog.Log, host string, port int) (rinfo Info, rerr error) {
	log = log.WithPkg("discovery").With(slog.String("host", host), slog.Int("port", port))
	start := time.Now()
	defer func() {
		result := "ok"
		if errors.Is(rerr, ErrNoAnswer) {
			result = "timeout"
		} else if rerr != nil {
			result = "error"
		}
		metricAsk.WithLabelValues(result).Observe(float64(time.Since(start)) / float64(time.Second))
		log.Debugx("discovery request done", rerr, slog.String("servername", rinfo.ServerName), slog.Bool("requiresencryption", rinfo.RequiresEncryption), slog.Duration("duration", time.Since(start)))
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if ctx.Err() != nil {
			return Info{}, fmt.Errorf("%w: %w", ErrNoAnswer, ctx.Err())
		}
		return Info{}, fmt.Errorf("dial discovery: %w", err)
	}
	defer func() {
		err := conn.Close()
		log.Check(err, "closing discovery socket")
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock the read below.
			err := conn.SetDeadline(time.Now())
			log.Check(err, "setting deadline on discovery socket")
		case <-stop:
		}
	}()

	if _, err := conn.Write(askDatagram); err != nil {
		return Info{}, fmt.Errorf("write discovery request: %w", err)
	}

	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Info{}, fmt.Errorf("%w: %w", ErrNoAnswer, ctx.Err())
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				// ICMP port unreachable for our request, e.g. the host is up but
				// nothing listens for discovery (yet). Like a lost datagram, an
				// answer may still come until ctx is done.
				log.Debugx("discovery request refused, waiting for answer", err)
				continue
			}
			// Other read errors won't clear, but only ctx ends the wait.
			log.Debugx("reading discovery answer, waiting for deadline", err)
			<-ctx.Done()
			return Info{}, fmt.Errorf("%w: %w (read: %v)", ErrNoAnswer, ctx.Err(), err)
		}
		var p packet
		if err := json.Unmarshal(buf[:n], &p); err != nil {
			log.Debugx("malformed discovery answer, ignoring", err)
			continue
		}
		if p.Kind != KindGotInfo {
			log.Debug("unexpected discovery datagram, ignoring", slog.String("kind", p.Kind))
			continue
		}
		return Info{p.ServerName, p.RequiresEncryption}, nil
	}
}
