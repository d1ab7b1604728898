package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dragonrelay/stellarmail/address"
	"github.com/dragonrelay/stellarmail/discovery"
	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/store"
	"github.com/dragonrelay/stellarmail/wire"
)

var ctxbg = context.Background()

func init() {
	store.BcryptCost = bcrypt.MinCost
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

type filed struct {
	user   string
	folder string
	m      store.Message
}

// recorder passes appends to a store, and tells the test about them.
type recorder struct {
	st *store.Store
	c  chan filed
}

func (r recorder) AppendMessage(ctx context.Context, user, folder string, m store.Message) (string, error) {
	id, err := r.st.AppendMessage(ctx, user, folder, m)
	if err == nil {
		r.c <- filed{user, folder, m}
	}
	return id, err
}

func (r recorder) next(t *testing.T) filed {
	t.Helper()
	select {
	case f := <-r.c:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for filed message")
	}
	panic("not reached")
}

func (r recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-r.c:
		t.Fatalf("unexpected filed message %#v", f)
	case <-time.After(d):
	}
}

// pipeDialer hands out one end of a net.Pipe, with serve handling the
// destination server end.
type pipeDialer struct {
	serve func(conn net.Conn)

	sync.Mutex
	addrs []string
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.Lock()
	d.addrs = append(d.addrs, addr)
	d.Unlock()
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		d.serve(server)
	}()
	return client, nil
}

func (d *pipeDialer) dialed() []string {
	d.Lock()
	defer d.Unlock()
	return append([]string(nil), d.addrs...)
}

func answer(info discovery.Info) AskFunc {
	return func(ctx context.Context, log mlog.Log, host string, port int) (discovery.Info, error) {
		return info, nil
	}
}

// noAnswer waits for the context like a real discovery without answer.
func noAnswer(ctx context.Context, log mlog.Log, host string, port int) (discovery.Info, error) {
	<-ctx.Done()
	return discovery.Info{}, fmt.Errorf("%w: %w", discovery.ErrNoAnswer, ctx.Err())
}

// relayServer returns a destination server that greets, reads the relay
// request, passes it to check and writes response, if not empty.
func relayServer(t *testing.T, response wire.Envelope, check func(e wire.Envelope)) func(conn net.Conn) {
	return func(conn net.Conn) {
		wc := wire.NewConn(conn, pkglog)
		if err := wc.Write(wire.Envelope{Kind: wire.KindWelcome, Welcome: "hi"}); err != nil {
			t.Errorf("write welcome: %v", err)
			return
		}
		e, err := wc.Read()
		if err != nil {
			t.Errorf("read relay: %v", err)
			return
		}
		if check != nil {
			check(e)
		}
		if response.Kind == "" {
			// Hold the connection until the client gives up.
			wc.Read()
			return
		}
		if err := wc.Write(response); err != nil {
			t.Errorf("write response: %v", err)
		}
	}
}

func setup(t *testing.T, opts Options) (*Queue, recorder, context.CancelFunc) {
	t.Helper()
	st, err := store.Open(ctxbg, pkglog, t.TempDir())
	tcheck(t, err, "open store")
	_, err = st.CreateUser(ctxbg, "alice", "test1234")
	tcheck(t, err, "create user")

	rec := recorder{st, make(chan filed, 10)}
	opts.DomainRoot = dns.Domain{ASCII: "stellar.example"}
	q := New(pkglog, rec, opts)
	ctx, cancel := context.WithCancel(ctxbg)
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Shutdown()
		err := st.Close()
		tcheck(t, err, "close store")
	})
	return q, rec, cancel
}

func xaddr(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.ParseAddress(s)
	tcheck(t, err, "parse address")
	return a
}

func msg(t *testing.T, to string) Msg {
	return Msg{
		Sender:  "alice",
		From:    xaddr(t, "alice@stellar.example"),
		To:      xaddr(t, to),
		Subject: "hello",
		Body:    "hi bob",
	}
}

func TestDeliverAccepted(t *testing.T) {
	var relayed wire.Envelope
	var relayedMutex sync.Mutex
	dialer := &pipeDialer{serve: relayServer(t, wire.Envelope{Kind: wire.KindRelayAccepted}, func(e wire.Envelope) {
		relayedMutex.Lock()
		relayed = e
		relayedMutex.Unlock()
	})}
	q, rec, _ := setup(t, Options{Ask: answer(discovery.Info{ServerName: "Peer"}), Dialer: dialer})

	_, err := q.Add(pkglog, msg(t, "bob@peer.example"))
	tcheck(t, err, "add")

	f := rec.next(t)
	if f.user != "alice" || f.folder != store.Sent || f.m.To != "bob@peer.example" || f.m.Subject != "hello" || f.m.Body != "hi bob" {
		t.Fatalf("unexpected sent copy %#v", f)
	}
	rec.none(t, 50*time.Millisecond)

	relayedMutex.Lock()
	defer relayedMutex.Unlock()
	if relayed.Kind != wire.KindRelay || relayed.From != "alice@stellar.example" || relayed.To != "bob@peer.example" || relayed.Body != "hi bob" {
		t.Fatalf("unexpected relay request %#v", relayed)
	}
	if addrs := dialer.dialed(); len(addrs) != 1 || addrs[0] != "peer.example:3425" {
		t.Fatalf("dialed %v, expected plain port", addrs)
	}
}

func TestDeliverRejected(t *testing.T) {
	dialer := &pipeDialer{serve: relayServer(t, wire.Envelope{Kind: wire.KindRelayRejected, Reason: wire.ReasonRecipient}, nil)}
	q, rec, _ := setup(t, Options{Ask: answer(discovery.Info{ServerName: "Peer"}), Dialer: dialer})

	_, err := q.Add(pkglog, msg(t, "nobody@peer.example"))
	tcheck(t, err, "add")

	f := rec.next(t)
	if f.folder != store.Inbox || f.m.From != "postmaster@stellar.example" || f.m.To != "alice@stellar.example" || f.m.Subject != NoticeSubject {
		t.Fatalf("unexpected notice %#v", f)
	}
	if !strings.Contains(f.m.Body, "rejected") || !strings.Contains(f.m.Body, "recipient") {
		t.Fatalf("notice body does not explain rejection: %q", f.m.Body)
	}
	// Exactly one notice.
	rec.none(t, 50*time.Millisecond)
}

func TestDeliverTLSPort(t *testing.T) {
	// The handshake fails against a server that doesn't speak TLS. Channel
	// choice is what we check.
	dialer := &pipeDialer{serve: func(conn net.Conn) {
		buf := make([]byte, 1024)
		conn.Read(buf)
	}}
	q, rec, _ := setup(t, Options{Ask: answer(discovery.Info{RequiresEncryption: true}), Dialer: dialer, RelayTimeout: 100 * time.Millisecond})

	_, err := q.Add(pkglog, msg(t, "bob@peer.example"))
	tcheck(t, err, "add")
	f := rec.next(t)
	if f.folder != store.Inbox || f.m.Subject != NoticeSubject {
		t.Fatalf("unexpected filed message %#v", f)
	}
	if addrs := dialer.dialed(); len(addrs) != 1 || addrs[0] != "peer.example:3426" {
		t.Fatalf("dialed %v, expected tls port", addrs)
	}
}

func TestEnforceEncryption(t *testing.T) {
	dialer := &pipeDialer{serve: func(conn net.Conn) {}}
	q, rec, _ := setup(t, Options{
		Ask:                      answer(discovery.Info{ServerName: "Plain", RequiresEncryption: false}),
		Dialer:                   dialer,
		EnforceEncryptedDelivery: true,
	})

	_, err := q.Add(pkglog, msg(t, "bob@plain.example"))
	tcheck(t, err, "add")
	f := rec.next(t)
	if f.folder != store.Inbox || f.m.Subject != "Mailbox Server Error!" || f.m.Body != encryptionNoticeBody {
		t.Fatalf("unexpected notice %#v", f)
	}
	if addrs := dialer.dialed(); len(addrs) != 0 {
		t.Fatalf("connected to %v while encryption is enforced", addrs)
	}
}

func TestDiscoveryTimeout(t *testing.T) {
	dialer := &pipeDialer{serve: func(conn net.Conn) {}}
	q, rec, _ := setup(t, Options{Ask: noAnswer, Dialer: dialer, DiscoveryTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := q.Add(pkglog, msg(t, "bob@ghost.example"))
	tcheck(t, err, "add")
	f := rec.next(t)
	if f.folder != store.Inbox || !strings.Contains(f.m.Body, "could not be reached") {
		t.Fatalf("unexpected notice %#v", f)
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Fatalf("abandoned after %s, before discovery timeout", d)
	}
	if len(dialer.dialed()) != 0 {
		t.Fatalf("connected without discovery answer")
	}
	rec.none(t, 50*time.Millisecond)
}

// A discovery failing early, e.g. on a port unreachable, still abandons only
// at the timeout.
func TestDiscoveryErrorWaitsForTimeout(t *testing.T) {
	refused := func(ctx context.Context, log mlog.Log, host string, port int) (discovery.Info, error) {
		return discovery.Info{}, errors.New("connection refused")
	}
	q, rec, _ := setup(t, Options{Ask: refused, DiscoveryTimeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := q.Add(pkglog, msg(t, "bob@down.example"))
	tcheck(t, err, "add")
	f := rec.next(t)
	if f.folder != store.Inbox || f.m.Subject != NoticeSubject {
		t.Fatalf("unexpected notice %#v", f)
	}
	if d := time.Since(start); d < 100*time.Millisecond {
		t.Fatalf("abandoned after %s, before discovery timeout", d)
	}
}

// The final state of a message is abandoned without discovery answer, and done
// otherwise.
func TestFinalState(t *testing.T) {
	st, err := store.Open(ctxbg, pkglog, t.TempDir())
	tcheck(t, err, "open store")
	defer st.Close()
	_, err = st.CreateUser(ctxbg, "alice", "test1234")
	tcheck(t, err, "create user")
	rec := recorder{st, make(chan filed, 10)}

	q := New(pkglog, rec, Options{DomainRoot: dns.Domain{ASCII: "stellar.example"}, Ask: noAnswer, DiscoveryTimeout: 10 * time.Millisecond})
	m := msg(t, "bob@ghost.example")
	q.process(ctxbg, &m)
	if m.State != StateAbandoned {
		t.Fatalf("got state %q, expected %q", m.State, StateAbandoned)
	}

	dialer := &pipeDialer{serve: relayServer(t, wire.Envelope{Kind: wire.KindRelayAccepted}, nil)}
	q = New(pkglog, rec, Options{DomainRoot: dns.Domain{ASCII: "stellar.example"}, Ask: answer(discovery.Info{}), Dialer: dialer})
	m = msg(t, "bob@peer.example")
	q.process(ctxbg, &m)
	if m.State != StateDone {
		t.Fatalf("got state %q, expected %q", m.State, StateDone)
	}
}

func TestAckTimeout(t *testing.T) {
	// Destination swallows the relay request without answering, like a server
	// that blocked our domain.
	dialer := &pipeDialer{serve: relayServer(t, wire.Envelope{}, nil)}
	q, rec, _ := setup(t, Options{Ask: answer(discovery.Info{}), Dialer: dialer, RelayTimeout: 100 * time.Millisecond})

	_, err := q.Add(pkglog, msg(t, "bob@blocking.example"))
	tcheck(t, err, "add")
	f := rec.next(t)
	if f.folder != store.Inbox || !strings.Contains(f.m.Body, "did not respond in time") {
		t.Fatalf("unexpected notice %#v", f)
	}
	rec.none(t, 50*time.Millisecond)
}

func TestSingleFlight(t *testing.T) {
	var mutex sync.Mutex
	var hosts []string
	var active, maxActive int
	release := make(chan struct{})

	ask := func(ctx context.Context, log mlog.Log, host string, port int) (discovery.Info, error) {
		mutex.Lock()
		hosts = append(hosts, host)
		active++
		if active > maxActive {
			maxActive = active
		}
		first := len(hosts) == 1
		mutex.Unlock()

		if first {
			<-release
		}

		mutex.Lock()
		active--
		mutex.Unlock()
		return discovery.Info{}, errors.New("not there")
	}
	q, rec, _ := setup(t, Options{Ask: ask, DiscoveryTimeout: 20 * time.Millisecond})

	for _, to := range []string{"a@one.example", "b@two.example", "c@three.example"} {
		_, err := q.Add(pkglog, msg(t, to))
		tcheck(t, err, "add")
	}

	// While the first waits for discovery, the others stay queued.
	deadline := time.Now().Add(5 * time.Second)
	for {
		l := q.List()
		if len(l) == 3 && l[0].State == StateAwaitingDiscovery {
			if l[1].State != StateQueued || l[2].State != StateQueued {
				t.Fatalf("unexpected states %v %v", l[1].State, l[2].State)
			}
			if l[0].ID >= l[1].ID || l[1].ID >= l[2].ID {
				t.Fatalf("listing not in submission order")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first message not awaiting discovery: %#v", l)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	for i := 0; i < 3; i++ {
		rec.next(t)
	}

	mutex.Lock()
	defer mutex.Unlock()
	if fmt.Sprint(hosts) != "[one.example two.example three.example]" {
		t.Fatalf("hosts asked out of order: %v", hosts)
	}
	if maxActive != 1 {
		t.Fatalf("%d deliveries in flight at once", maxActive)
	}
	if l := q.List(); len(l) != 0 {
		t.Fatalf("queue not empty after processing: %v", l)
	}
}

func TestShutdown(t *testing.T) {
	q, rec, cancel := setup(t, Options{Ask: noAnswer})

	_, err := q.Add(pkglog, msg(t, "bob@peer.example"))
	tcheck(t, err, "add")
	_, err = q.Add(pkglog, msg(t, "carol@peer.example"))
	tcheck(t, err, "add")

	cancel()
	q.Shutdown()

	// Aborted by shutdown, no notice.
	rec.none(t, 50*time.Millisecond)
	if _, err := q.Add(pkglog, msg(t, "dave@peer.example")); !errors.Is(err, ErrClosed) {
		t.Fatalf("add after shutdown: got %v, expected ErrClosed", err)
	}
	if l := q.List(); len(l) != 0 {
		t.Fatalf("messages left after shutdown: %v", l)
	}
}
