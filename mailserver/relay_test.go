package mailserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dragonrelay/stellarmail/address"
	"github.com/dragonrelay/stellarmail/discovery"
	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/queue"
	"github.com/dragonrelay/stellarmail/stellar-"
	"github.com/dragonrelay/stellarmail/store"
	"github.com/dragonrelay/stellarmail/wire"
)

func relay(from, to string) wire.Envelope {
	return wire.Envelope{Kind: wire.KindRelay, From: from, To: to, Subject: "relayed", Body: "hello bob"}
}

func inboxCount(t *testing.T, ts *testserver, user string) int {
	t.Helper()
	var n int
	err := ts.st.ListMessages(ctxbg, user, store.Inbox, func(s store.Summary) error {
		n++
		return nil
	})
	tcheck(t, err, "list inbox")
	return n
}

func TestRelayAccepted(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.dial()

	c.xcmd(relay("alice@peer.example", "Bob@stellar.example"), wire.KindRelayAccepted)
	c.expectClosed()

	var got []store.Summary
	err := ts.st.ListMessages(ctxbg, "bob", store.Inbox, func(s store.Summary) error {
		got = append(got, s)
		return nil
	})
	tcheck(t, err, "list inbox")
	if len(got) != 1 || got[0].From != "alice@peer.example" || got[0].To != "bob@stellar.example" || got[0].Subject != "relayed" || got[0].Read {
		t.Fatalf("unexpected inbox %#v", got)
	}
	m, err := ts.st.Message(ctxbg, "bob", store.Inbox, got[0].ID)
	tcheck(t, err, "read message")
	if m.Body != "hello bob" {
		t.Fatalf("unexpected body %q", m.Body)
	}
}

// Relays from a blocked domain get no response at all.
func TestRelayBlocked(t *testing.T) {
	ts := newTestServer(t)
	err := ts.st.BlockDomain(ctxbg, dns.Domain{ASCII: "peer.example"})
	tcheck(t, err, "block domain")

	c, _ := ts.dial()
	c.write(relay("alice@peer.example", "bob@stellar.example"))
	c.expectClosed()

	if n := inboxCount(t, ts, "bob"); n != 0 {
		t.Fatalf("blocked relay stored, %d messages in inbox", n)
	}
}

// The sender domain must resolve, the recipient domain is not looked up.
func TestRelaySpoof(t *testing.T) {
	ts := newTestServer(t)

	c, _ := ts.dial()
	r := c.xcmd(relay("alice@ghost.example", "bob@stellar.example"), wire.KindRelayRejected)
	if r.Reason != wire.ReasonSpoof {
		t.Fatalf("got reason %q, expected spoof", r.Reason)
	}
	c.expectClosed()

	// Servfail is treated the same.
	ts.s.Resolver = dns.MockResolver{Fail: []string{"ip peer.example."}}
	c, _ = ts.dial()
	r = c.xcmd(relay("alice@peer.example", "bob@stellar.example"), wire.KindRelayRejected)
	if r.Reason != wire.ReasonSpoof {
		t.Fatalf("got reason %q, expected spoof", r.Reason)
	}

	if n := inboxCount(t, ts, "bob"); n != 0 {
		t.Fatalf("spoofed relay stored, %d messages in inbox", n)
	}
}

func TestRelayRecipient(t *testing.T) {
	ts := newTestServer(t)

	c, _ := ts.dial()
	r := c.xcmd(relay("alice@peer.example", "nobody@stellar.example"), wire.KindRelayRejected)
	if r.Reason != wire.ReasonRecipient {
		t.Fatalf("got reason %q, expected recipient", r.Reason)
	}
	c.expectClosed()
}

func TestRelayMalformed(t *testing.T) {
	ts := newTestServer(t)

	c, _ := ts.dial()
	r := c.xcmd(relay("no-at-sign", "bob@stellar.example"), wire.KindRelayRejected)
	if r.Reason != wire.ReasonMalformed {
		t.Fatalf("got reason %q, expected malformed", r.Reason)
	}
	c.expectClosed()
}

// A removed user is an unknown recipient, also with an account still open.
func TestRelayRemovedUser(t *testing.T) {
	ts := newTestServer(t)
	acc, err := ts.st.OpenAccount(ctxbg, "bob")
	tcheck(t, err, "open account")
	err = ts.st.RemoveUser(ctxbg, "bob")
	tcheck(t, err, "remove user")
	defer acc.Close()

	c, _ := ts.dial()
	r := c.xcmd(relay("alice@peer.example", "bob@stellar.example"), wire.KindRelayRejected)
	if r.Reason != wire.ReasonRecipient {
		t.Fatalf("got reason %q, expected recipient", r.Reason)
	}
}

// loopbackDialer connects to a local listener whatever address is asked for.
type loopbackDialer struct {
	addr string

	sync.Mutex
	asked []string
}

func (d *loopbackDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.Lock()
	d.asked = append(d.asked, addr)
	d.Unlock()
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.addr)
}

// An outbox on one server delivers to the relay handler of another over TCP.
func TestRelayFromQueue(t *testing.T) {
	// Receiving server at peer.example, with user carol. Sender domain
	// stellar.example resolves.
	peer := newTestServer(t)
	peer.s.DomainRoot = dns.Domain{ASCII: "peer.example"}
	peer.s.Resolver = dns.MockResolver{A: map[string][]string{"stellar.example.": {"10.0.0.2"}}}
	_, err := peer.st.CreateUser(ctxbg, "carol", "carolpass")
	tcheck(t, err, "create user")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	defer ln.Close()
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go peer.s.serve("test", stellar.Cid(), nc, false)
		}
	}()

	// Sending server at stellar.example, with user alice.
	st, err := store.Open(ctxbg, pkglog, t.TempDir())
	tcheck(t, err, "open store")
	defer st.Close()
	_, err = st.CreateUser(ctxbg, "alice", "alicepass")
	tcheck(t, err, "create user")

	dialer := &loopbackDialer{addr: ln.Addr().String()}
	q := queue.New(pkglog, st, queue.Options{
		DomainRoot: dns.Domain{ASCII: "stellar.example"},
		Ask: func(ctx context.Context, log mlog.Log, host string, port int) (discovery.Info, error) {
			return discovery.Info{ServerName: "Peer"}, nil
		},
		Dialer: dialer,
	})
	ctx, cancel := context.WithCancel(ctxbg)
	q.Start(ctx)
	defer func() {
		cancel()
		q.Shutdown()
	}()

	from, err := address.ParseAddress("alice@stellar.example")
	tcheck(t, err, "parse from")
	to, err := address.ParseAddress("carol@peer.example")
	tcheck(t, err, "parse to")
	_, err = q.Add(pkglog, queue.Msg{Sender: "alice", From: from, To: to, Subject: "over the wire", Body: "hi carol"})
	tcheck(t, err, "add")

	// The sent copy is filed after the peer accepted.
	var sent []store.Summary
	deadline := time.Now().Add(5 * time.Second)
	for len(sent) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no sent copy for alice")
		}
		time.Sleep(10 * time.Millisecond)
		sent = nil
		err := st.ListMessages(ctxbg, "alice", store.Sent, func(s store.Summary) error {
			sent = append(sent, s)
			return nil
		})
		tcheck(t, err, "list sent")
	}
	if len(sent) != 1 || sent[0].To != "carol@peer.example" || sent[0].Subject != "over the wire" {
		t.Fatalf("unexpected sent folder %#v", sent)
	}
	var notices int
	err = st.ListMessages(ctxbg, "alice", store.Inbox, func(s store.Summary) error {
		notices++
		return nil
	})
	tcheck(t, err, "list inbox")
	if notices != 0 {
		t.Fatalf("alice got %d messages in inbox, expected no failure notice", notices)
	}

	var inbox []store.Summary
	err = peer.st.ListMessages(ctxbg, "carol", store.Inbox, func(s store.Summary) error {
		inbox = append(inbox, s)
		return nil
	})
	tcheck(t, err, "list inbox")
	if len(inbox) != 1 || inbox[0].From != "alice@stellar.example" || inbox[0].Subject != "over the wire" {
		t.Fatalf("unexpected inbox of carol %#v", inbox)
	}
	m, err := peer.st.Message(ctxbg, "carol", store.Inbox, inbox[0].ID)
	tcheck(t, err, "read message")
	if m.Body != "hi carol" {
		t.Fatalf("unexpected body %q", m.Body)
	}

	dialer.Lock()
	defer dialer.Unlock()
	if len(dialer.asked) != 1 || dialer.asked[0] != "peer.example:3425" {
		t.Fatalf("dialed %v, expected plain port of peer.example", dialer.asked)
	}
}
