package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"rsc.io/qr"

	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/stellar-"
	"github.com/dragonrelay/stellarmail/store"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, errmsg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", errmsg, err)
	}
}

// All commands must set their help and params without side effects when
// gathering usage.
func TestCommandsGather(t *testing.T) {
	for _, c := range cmds {
		c.gather()
		if c.help == "" {
			t.Fatalf("command %v has no help", c.words)
		}
		if c.flag == nil {
			t.Fatalf("command %v has no flagset", c.words)
		}
	}
}

func TestDiscoveryAskFlags(t *testing.T) {
	for _, c := range cmds {
		if len(c.words) != 2 || c.words[0] != "discovery" {
			continue
		}
		c.gather()
		for _, name := range []string{"port", "timeout"} {
			if c.flag.Lookup(name) == nil {
				t.Fatalf("missing flag %q", name)
			}
		}
		return
	}
	t.Fatalf("discovery ask command not found")
}

func TestStartShutdown(t *testing.T) {
	store.BcryptCost = bcrypt.MinCost

	dir := t.TempDir()
	p := filepath.Join(dir, "stellarmail.conf")
	const conf = `DataDir: data
LogLevel: debug
DomainRoot: stellar.example
BlockedDomains:
	- spam.example
ListenIPs:
	- 127.0.0.1
`
	err := os.WriteFile(p, []byte(conf), 0660)
	tcheck(t, err, "write config")

	c, errs := stellar.ParseConfig(ctxbg, mlog.New("main", nil), p, false)
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}
	// Ephemeral ports, the defaults may be privileged or in use.
	c.Static.Ports.Plain = 0
	c.Static.Ports.Discovery = 0

	r, err := start(c, mlog.New("serve", nil))
	tcheck(t, err, "start")

	blocked, err := r.store.BlockedDomains(ctxbg)
	tcheck(t, err, "blocked domains")
	if len(blocked) != 1 || blocked[0] != "spam.example" {
		t.Fatalf("blocked domains from config not stored, got %v", blocked)
	}
	_, err = r.store.CreateUser(ctxbg, "alice", "testtest")
	tcheck(t, err, "create user")

	r.shutdown(mlog.New("serve", nil))

	if _, err := os.Stat(filepath.Join(dir, "data", "accounts", "alice")); err != nil {
		t.Fatalf("account directory missing after shutdown: %v", err)
	}
	if r.store.DB != nil {
		t.Fatalf("store not closed at shutdown")
	}
}

func TestQRText(t *testing.T) {
	code, err := qr.Encode("stellarmail://alice@stellar.example:3425?tls=false", qr.M)
	tcheck(t, err, "encode")

	lines := strings.Split(strings.TrimSuffix(qrText(code), "\n"), "\n")
	n := code.Size + 4
	if len(lines) != (n+1)/2 {
		t.Fatalf("got %d lines, expected %d", len(lines), (n+1)/2)
	}
	for i, line := range lines {
		if w := utf8.RuneCountInString(line); w != n {
			t.Fatalf("line %d has width %d, expected %d", i, w, n)
		}
	}
	// Quiet zone around the code.
	if strings.TrimSpace(lines[0]) != "" {
		t.Fatalf("first line not blank: %q", lines[0])
	}
}
