// Package mailserver serves client sessions and relays from other servers.
//
// Both arrive on the same listeners, speaking the same framing: one JSON
// envelope per line. A client logs in and issues commands. Another server sends
// a single RELAY envelope, gets exactly one response (or none, for a blocked
// sender domain) and is disconnected.
package mailserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/metrics"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/queue"
	"github.com/dragonrelay/stellarmail/stellar-"
	"github.com/dragonrelay/stellarmail/store"
	"github.com/dragonrelay/stellarmail/wire"
)

var pkglog = mlog.New("mailserver", nil)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stellar_mailserver_connection_total",
			Help: "Incoming connections.",
		},
		[]string{
			"tls", // yes, no
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stellar_mailserver_command_duration_seconds",
			Help:    "Session command duration and result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"cmd",
			"result", // ok, usererror, servererror
		},
	)
)

// Submitter takes messages for delivery, typically a *queue.Queue.
type Submitter interface {
	Add(log mlog.Log, m queue.Msg) (int64, error)
}

// Server holds what sessions and relays need. A single Server can serve on
// multiple listeners.
type Server struct {
	DomainRoot     dns.Domain // Local users are <user>@<DomainRoot>.
	WelcomeMessage string     // Markdown, used when no welcome message was stored.
	Store          *store.Store
	Queue          Submitter
	Resolver       dns.Resolver // For checking sender domains of relays.

	// Read deadline for an idle session. Zero means no deadline.
	IdleTimeout time.Duration

	limitsOnce sync.Once
	limiterSet *limiters

	sync.Mutex
	sessions  map[*conn]struct{} // Logged in sessions.
	listeners []net.Listener
	servers   []func()
}

// Listen starts listening for connections on ip and port, with TLS on all
// connections if tlsConfig is not nil. Call Serve to start accepting.
func (s *Server) Listen(name, ip string, port int, tlsConfig *tls.Config) error {
	log := pkglog
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	log.Print("listening for sessions and relays",
		slog.String("listener", name),
		slog.String("address", addr),
		slog.Bool("tls", tlsConfig != nil))
	ln, err := net.Listen(stellar.Network("tcp", ip), addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	serve := func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-stellar.Shutdown.Done():
					return
				default:
				}
				log.Infox("accept", err, slog.String("listener", name))
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			go s.serve(name, stellar.Cid(), nc, tlsConfig != nil)
		}
	}

	s.Lock()
	s.listeners = append(s.listeners, ln)
	s.servers = append(s.servers, serve)
	s.Unlock()
	return nil
}

// Serve starts accepting on all listeners. The listeners are closed when
// stellar.Shutdown is canceled.
func (s *Server) Serve() {
	s.Lock()
	defer s.Unlock()
	for _, serve := range s.servers {
		go serve()
	}
	listeners := s.listeners
	go func() {
		<-stellar.Shutdown.Done()
		for _, ln := range listeners {
			err := ln.Close()
			pkglog.Check(err, "closing listener")
		}
	}()
}

// Kick closes all logged in sessions of user, e.g. after a ban. It returns the
// number of sessions closed.
func (s *Server) Kick(user string) int {
	s.Lock()
	defer s.Unlock()
	var n int
	for c := range s.sessions {
		if c.username == user {
			c.log.Info("closing session of user")
			err := c.origConn.SetDeadline(time.Now())
			c.log.Check(err, "setting immediate deadline")
			n++
		}
	}
	return n
}

func (s *Server) addSession(c *conn) {
	s.Lock()
	defer s.Unlock()
	if s.sessions == nil {
		s.sessions = map[*conn]struct{}{}
	}
	s.sessions[c] = struct{}{}
}

func (s *Server) removeSession(c *conn) {
	s.Lock()
	defer s.Unlock()
	delete(s.sessions, c)
}

type conn struct {
	cid int64
	s   *Server

	// origConn is the original (TCP) connection, closed instead of a TLS
	// connection on top, which could block writing a close notify.
	origConn net.Conn
	wc       *wire.Conn
	tls      bool
	remoteIP net.IP
	log      mlog.Log

	cmd        string // Current command.
	cmdStart   time.Time
	ncmds      int
	authFailed int
	username   string // Only when logged in.
}

// Sentinel value for panic/recover indicating clean close of connection.
var cleanClose struct{}

var errIO = errors.New("io error")

func isClosed(err error) bool {
	return errors.Is(err, errIO) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) || isClosedConn(err)
}

func isClosedConn(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "read"
}

func (s *Server) serve(listenerName string, cid int64, nc net.Conn, xtls bool) {
	var remoteIP net.IP
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:      cid,
		s:        s,
		origConn: nc,
		tls:      xtls,
		remoteIP: remoteIP,
	}
	c.log = pkglog.WithCid(cid).With(slog.Any("remote", remoteIP))
	c.wc = wire.NewConn(nc, c.log)

	tlsLabel := "no"
	if xtls {
		tlsLabel = "yes"
	}
	metricConnection.WithLabelValues(tlsLabel).Inc()
	c.log.Info("new connection", slog.String("listener", listenerName), slog.Bool("tls", xtls))

	defer func() {
		if c.username != "" {
			s.removeSession(c)
		}
		c.origConn.Close()

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("mailserver")
		}
	}()

	select {
	case <-stellar.Shutdown.Done():
		c.xwrite(wire.Envelope{Kind: wire.KindError, Error: "shutting down"})
		return
	default:
	}

	limits := s.limits()
	now := time.Now()
	if !limits.connectionRate.Add(c.remoteIP, now, 1) {
		c.log.Debug("refusing connection due to connection rate")
		c.xwrite(wire.Envelope{Kind: wire.KindError, Error: "too many connections from your ip or network, slow down"})
		return
	}
	if !limits.connections.Add(c.remoteIP, now, 1) {
		c.log.Debug("refusing connection due to many open connections")
		c.xwrite(wire.Envelope{Kind: wire.KindError, Error: "too many open connections from your ip or network"})
		return
	}
	defer limits.connections.Add(c.remoteIP, time.Now(), -1)

	stellar.Connections.Register(nc, "session", listenerName)
	defer stellar.Connections.Unregister(nc)

	c.xwelcome()

	for {
		c.command()
	}
}

func (c *conn) xwelcome() {
	ctx := stellar.Context
	msg, err := c.s.Store.WelcomeMessage(ctx)
	if err != nil {
		c.log.Errorx("reading welcome message", err)
	}
	if msg == "" {
		msg = c.s.WelcomeMessage
	}
	c.xwrite(wire.Envelope{Kind: wire.KindWelcome, Welcome: msg, WelcomeHTML: WelcomeHTML(msg)})
}

// xwrite writes an envelope, panicking with errIO on failure, which closes the
// connection.
func (c *conn) xwrite(e wire.Envelope) {
	if err := c.wc.Write(e); err != nil {
		panic(fmt.Errorf("%w: %v", errIO, err))
	}
}

func (c *conn) xread() wire.Envelope {
	if c.s.IdleTimeout > 0 {
		err := c.origConn.SetReadDeadline(time.Now().Add(c.s.IdleTimeout))
		c.log.Check(err, "setting read deadline")
	}
	for {
		e, err := c.wc.Read()
		if errors.Is(err, wire.ErrMalformed) {
			c.log.Debugx("malformed envelope", err)
			c.xwrite(wire.Envelope{Kind: wire.KindError, Error: "malformed envelope"})
			continue
		} else if err != nil {
			panic(fmt.Errorf("%w: %w", errIO, err))
		}
		return e
	}
}

var commands = map[string]func(c *conn, e wire.Envelope){
	wire.KindRelay: (*conn).cmdRelay,

	wire.KindReg: (*conn).cmdReg,
	wire.KindLog: (*conn).cmdLog,

	wire.KindSend:          (*conn).cmdSend,
	wire.KindListFolders:   (*conn).cmdListFolders,
	wire.KindListMessages:  (*conn).cmdListMessages,
	wire.KindReadMail:      (*conn).cmdReadMail,
	wire.KindDeleteFolder:  (*conn).cmdDeleteFolder,
	wire.KindDeleteMail:    (*conn).cmdDeleteMail,
	wire.KindMoveMail:      (*conn).cmdMoveMail,
	wire.KindMakeNewFolder: (*conn).cmdMakeNewFolder,
	wire.KindRenameFolder:  (*conn).cmdRenameFolder,
	wire.KindEmptyTrash:    (*conn).cmdEmptyTrash,
	wire.KindSaveDraft:     (*conn).cmdSaveDraft,
	wire.KindReadDraft:     (*conn).cmdReadDraft,
	wire.KindEditDraft:     (*conn).cmdEditDraft,
	wire.KindSendDraft:     (*conn).cmdSendDraft,
}

// Commands that can be used without logging in.
var commandsAnonymous = map[string]bool{
	wire.KindRelay: true,
	wire.KindReg:   true,
	wire.KindLog:   true,
}

// userError is a panic value for an error caused by the client, written back as
// an ERROR envelope.
type userError struct {
	err error
}

func (e userError) Error() string { return e.err.Error() }
func (e userError) Unwrap() error { return e.err }

// serverError is like userError, but the failure is ours, and logged as error.
type serverError struct {
	err error
}

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

func xusererrorf(format string, args ...any) {
	panic(userError{fmt.Errorf(format, args...)})
}

// xcheckf panics with a userError for a store error the client caused, such as
// an unknown folder, and a serverError otherwise.
func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	err = fmt.Errorf("%s: %w", msg, err)
	for _, uerr := range []error{store.ErrNotFound, store.ErrAlreadyExists, store.ErrReserved, store.ErrSameFolder, store.ErrInvalidName, store.ErrBadPassword} {
		if errors.Is(err, uerr) {
			panic(userError{err})
		}
	}
	panic(serverError{err})
}

func (c *conn) command() {
	defer func() {
		cmd := c.cmd
		c.cmd = ""

		x := recover()
		var werr error
		result := "ok"
		if x != nil {
			err, ok := x.(error)
			if !ok || isClosed(err) {
				panic(x)
			}
			var uerr userError
			var serr serverError
			if errors.As(err, &uerr) {
				result = "usererror"
				c.log.Debugx("user error", err, slog.String("cmd", cmd))
			} else if errors.As(err, &serr) {
				result = "servererror"
				c.log.Errorx("server error", err, slog.String("cmd", cmd))
			} else {
				panic(x)
			}
			werr = err
		}
		if cmd != "" {
			metricCommands.WithLabelValues(cmd, result).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
		}
		if werr != nil {
			c.xwrite(wire.Envelope{Kind: wire.KindError, Error: werr.Error()})
		}
	}()

	e := c.xread()

	select {
	case <-stellar.Shutdown.Done():
		c.xwrite(wire.Envelope{Kind: wire.KindError, Error: "shutting down"})
		panic(errIO)
	default:
	}

	fn, ok := commands[e.Kind]
	if !ok {
		c.cmd = "(unknown)"
		c.cmdStart = time.Now()
		xusererrorf("unknown command %q", e.Kind)
	}
	c.cmd = e.Kind
	c.cmdStart = time.Now()
	c.ncmds++
	if c.username == "" && !commandsAnonymous[e.Kind] {
		xusererrorf("not logged in")
	}
	fn(c, e)
}

// ctx returns the context for store operations of a command.
func (c *conn) ctx() context.Context {
	return context.WithValue(stellar.Context, mlog.CidKey, c.cid)
}

func (c *conn) ctxTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx(), d)
}
