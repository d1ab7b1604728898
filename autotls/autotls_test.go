package autotls

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/mjl-/autocert"

	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/mlog"
)

func TestAutotls(t *testing.T) {
	log := mlog.New("autotls", nil)
	dir := t.TempDir()

	shutdown := make(chan struct{})

	m, err := Load("test", dir, "postmaster@localhost", "https://localhost/", shutdown)
	if err != nil {
		t.Fatalf("load manager: %v", err)
	}
	l := m.Hostnames()
	if len(l) != 0 {
		t.Fatalf("hostnames, got %v, expected empty list", l)
	}
	if err := m.HostPolicy(context.Background(), "stellar.example"); err == nil || !errors.Is(err, errHostNotAllowed) {
		t.Fatalf("hostpolicy, got err %v, expected errHostNotAllowed", err)
	}
	m.SetAllowedHostnames(log, map[dns.Domain]struct{}{{ASCII: "stellar.example"}: {}})
	l = m.Hostnames()
	if !reflect.DeepEqual(l, []dns.Domain{{ASCII: "stellar.example"}}) {
		t.Fatalf("hostnames, got %v, expected single stellar.example", l)
	}
	if err := m.HostPolicy(context.Background(), "stellar.example"); err != nil {
		t.Fatalf("hostpolicy, got err %v, expected no error", err)
	}
	if err := m.HostPolicy(context.Background(), "stellar.example:3426"); err != nil {
		t.Fatalf("hostpolicy with port, got err %v, expected no error", err)
	}
	if err := m.HostPolicy(context.Background(), "other.stellar.example"); err == nil || !errors.Is(err, errHostNotAllowed) {
		t.Fatalf("hostpolicy, got err %v, expected errHostNotAllowed", err)
	}

	ctx := context.Background()
	cache := m.Manager.Cache
	if _, err := cache.Get(ctx, "stellar.example"); err == nil || !errors.Is(err, autocert.ErrCacheMiss) {
		t.Fatalf("cache get for absent entry: got err %v, expected autocert.ErrCacheMiss", err)
	}
	if err := cache.Put(ctx, "stellar.example", []byte("test")); err != nil {
		t.Fatalf("cache put: %v", err)
	}
	if data, err := cache.Get(ctx, "stellar.example"); err != nil || string(data) != "test" {
		t.Fatalf("cache get: got err %v data %q, expected nil, 'test'", err, data)
	}
	if err := cache.Delete(ctx, "stellar.example"); err != nil {
		t.Fatalf("cache delete: got err %v, expected no error", err)
	}

	close(shutdown)
	if err := m.HostPolicy(context.Background(), "stellar.example"); err == nil {
		t.Fatalf("hostpolicy, got err %v, expected error due to shutdown", err)
	}

	key0 := m.Manager.Client.Key
	m, err = Load("test", dir, "postmaster@localhost", "https://localhost/", shutdown)
	if err != nil {
		t.Fatalf("load manager again: %v", err)
	}
	if !reflect.DeepEqual(m.Manager.Client.Key, key0) {
		t.Fatalf("private key changed after reload")
	}

	m2, err := Load("test2", dir, "postmaster@localhost", "https://localhost/", shutdown)
	if err != nil {
		t.Fatalf("load another manager: %v", err)
	}
	if reflect.DeepEqual(m.Manager.Client.Key, m2.Manager.Client.Key) {
		t.Fatalf("private key reused between managers")
	}
}

func TestClientConfig(t *testing.T) {
	if _, err := ClientConfig([]string{"testdata/missing.pem"}); err == nil {
		t.Fatalf("missing ca file accepted")
	}
	c, err := ClientConfig(nil)
	if err != nil || c.RootCAs != nil {
		t.Fatalf("default client config: %v %v", c, err)
	}
}
