package stellar

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dragonrelay/stellarmail/config"
	"github.com/dragonrelay/stellarmail/mlog"
)

var pkglogtest = mlog.New("stellar", nil)

func TestParseConfig(t *testing.T) {
	c, errs := ParseConfig(context.Background(), pkglogtest, "../testdata/stellar/stellarmail.conf", true)
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}
	s := c.Static
	if s.ServerName != "StellarTest" || s.DomainRootDomain.ASCII != "stellar.example" {
		t.Fatalf("unexpected names %q %v", s.ServerName, s.DomainRootDomain)
	}
	if s.Ports.Plain != config.DefaultPlainPort || s.Ports.TLS != config.DefaultTLSPort || s.Ports.Discovery != 10100 {
		t.Fatalf("unexpected ports %+v", s.Ports)
	}
	if s.DiscoveryTimeout != config.DefaultDiscoveryTimeout || s.RelayTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts %v %v", s.DiscoveryTimeout, s.RelayTimeout)
	}
	if c.Log["queue"] != mlog.LevelDebug || c.Log[""] != mlog.LevelInfo {
		t.Fatalf("unexpected log levels %v", c.Log)
	}
	if len(s.ListenNetIPs) != 1 || !s.ListenNetIPs[0].IsLoopback() {
		t.Fatalf("unexpected listen ips %v", s.ListenNetIPs)
	}
	if s.TLSConfig != nil || s.ClientTLSConfig == nil {
		t.Fatalf("unexpected tls configs")
	}
	if p := c.DataDirPath("users.db"); p != filepath.Join("../testdata/stellar", "data", "users.db") {
		t.Fatalf("unexpected data dir path %q", p)
	}
	if p := c.DataDirPath("/abs"); p != "/abs" {
		t.Fatalf("absolute path changed to %q", p)
	}
}

func TestParseConfigErrors(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "stellarmail.conf")
	conf := "DataDir: data\nLogLevel: loud\nServerName: x\nDomainRoot: bad domain\nRelayTimeout: -1s\nTLS:\n\tCertFile: cert.pem\n"
	if err := os.WriteFile(p, []byte(conf), 0660); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, errs := ParseConfig(context.Background(), pkglogtest, p, true)
	if len(errs) < 4 {
		t.Fatalf("expected at least 4 errors, got %v", errs)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("error %v is not ErrConfig", err)
		}
	}

	if _, errs := ParseConfig(context.Background(), pkglogtest, filepath.Join(dir, "missing.conf"), true); len(errs) != 1 {
		t.Fatalf("expected single error for missing file, got %v", errs)
	}
}
