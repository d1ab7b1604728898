// Package autotls provides the TLS configuration for the encrypted session and
// relay listener, from static key/cert files or by requesting certificates with
// ACME, typically from Let's Encrypt.
package autotls

// Only tls-alpn-01 is supported. The TLS listener must be reachable on port 443
// through a port forward for validation to succeed, or certificates must be
// provided as files.

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/acme"

	"github.com/mjl-/autocert"

	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/stellarvar"
)

var pkglog = mlog.New("autotls", nil)

var (
	metricCertput = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stellar_autotls_certput_total",
			Help: "Number of certificate store puts.",
		},
	)
)

// LetsEncryptURL is the default ACME directory.
const LetsEncryptURL = "https://acme-v02.api.letsencrypt.org/directory"

// Manager is in charge of a single ACME identity, and automatically requests
// certificates for allowlisted hosts.
type Manager struct {
	TLSConfig *tls.Config // For the TLS session and relay listener.
	Manager   *autocert.Manager

	shutdown <-chan struct{}

	sync.Mutex
	hosts map[dns.Domain]struct{}
}

// Load returns an initialized autotls manager for "name" (used for the ACME key
// file and requested certs and their keys). All files are stored within acmeDir.
// contactEmail must be a valid email address to which notifications about ACME can
// be sent. directoryURL is the ACME starting point. When shutdown is closed, no
// new certificates are requested.
func Load(name, acmeDir, contactEmail, directoryURL string, shutdown <-chan struct{}) (*Manager, error) {
	if directoryURL == "" {
		return nil, fmt.Errorf("empty ACME directory URL")
	}
	if contactEmail == "" {
		return nil, fmt.Errorf("empty contact email")
	}

	if err := os.MkdirAll(filepath.Join(acmeDir, "keycerts", name), 0770); err != nil {
		return nil, fmt.Errorf("creating acme directory: %v", err)
	}
	key, err := loadIdentityKey(name, filepath.Join(acmeDir, name+".key"))
	if err != nil {
		return nil, err
	}

	m := &autocert.Manager{
		Cache:  dirCache(filepath.Join(acmeDir, "keycerts", name)),
		Prompt: autocert.AcceptTOS,
		Email:  contactEmail,
		Client: &acme.Client{
			DirectoryURL: directoryURL,
			Key:          key,
			UserAgent:    "stellarmail/" + stellarvar.Version,
		},
		// HostPolicy set below.
	}

	loggingGetCertificate := func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		log := pkglog.WithContext(hello.Context())

		// Handle missing SNI to prevent logging an error below.
		if hello.ServerName == "" {
			log.Debug("tls request without sni servername, rejecting", slog.Any("localaddr", hello.Conn.LocalAddr()))
			return nil, fmt.Errorf("sni server name required")
		}

		cert, err := m.GetCertificate(hello)
		if err != nil {
			if errors.Is(err, errHostNotAllowed) {
				log.Debugx("requesting certificate", err, slog.String("host", hello.ServerName))
			} else {
				log.Errorx("requesting certificate", err, slog.String("host", hello.ServerName))
			}
		}
		return cert, err
	}

	tlsConfig := *m.TLSConfig()
	tlsConfig.GetCertificate = loggingGetCertificate

	a := &Manager{
		TLSConfig: &tlsConfig,
		Manager:   m,
		shutdown:  shutdown,
		hosts:     map[dns.Domain]struct{}{},
	}
	m.HostPolicy = a.HostPolicy
	return a, nil
}

// Load identity key if it exists. Otherwise, create a new key.
func loadIdentityKey(name, p string) (crypto.Signer, error) {
	f, err := os.Open(p)
	if err != nil && os.IsNotExist(err) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ecdsa identity key: %s", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("marshal identity key: %s", err)
		}
		block := &pem.Block{
			Type: "PRIVATE KEY",
			Headers: map[string]string{
				"Note": fmt.Sprintf("PEM PKCS8 ECDSA private key generated for ACME provider %s by stellarmail", name),
			},
			Bytes: der,
		}
		b := &bytes.Buffer{}
		if err := pem.Encode(b, block); err != nil {
			return nil, fmt.Errorf("pem encode: %s", err)
		} else if err := os.WriteFile(p, b.Bytes(), 0660); err != nil {
			return nil, fmt.Errorf("writing identity key: %s", err)
		}
		return key, nil
	} else if err != nil {
		return nil, fmt.Errorf("open identity key file: %s", err)
	}
	defer f.Close()

	var privKey any
	if buf, err := io.ReadAll(f); err != nil {
		return nil, fmt.Errorf("reading identity key: %s", err)
	} else if p, _ := pem.Decode(buf); p == nil {
		return nil, fmt.Errorf("no pem data")
	} else if p.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("got PEM block %q, expected \"PRIVATE KEY\"", p.Type)
	} else if privKey, err = x509.ParsePKCS8PrivateKey(p.Bytes); err != nil {
		return nil, fmt.Errorf("parsing PKCS8 private key: %s", err)
	}
	switch k := privKey.(type) {
	case *ecdsa.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", privKey)
}

// SetAllowedHostnames sets a new list of allowed hostnames for automatic TLS.
func (m *Manager) SetAllowedHostnames(log mlog.Log, hostnames map[dns.Domain]struct{}) {
	m.Lock()
	defer m.Unlock()

	// Log as slice, sorted.
	l := make([]string, 0, len(hostnames))
	for d := range hostnames {
		l = append(l, d.Name())
	}
	sort.Strings(l)

	log.Debug("autotls setting allowed hostnames", slog.Any("hostnames", l))
	m.hosts = hostnames
}

// Hostnames returns the allowed host names for use with ACME.
func (m *Manager) Hostnames() []dns.Domain {
	m.Lock()
	defer m.Unlock()
	var l []dns.Domain
	for h := range m.hosts {
		l = append(l, h)
	}
	return l
}

var errHostNotAllowed = errors.New("autotls: host not in allowlist")

// HostPolicy decides if a host is allowed for use with ACME, i.e. whether a
// certificate will be returned if present and/or will be requested if not yet
// present. Only hosts added with SetAllowedHostnames are allowed. During shutdown,
// no new certificates are requested.
func (m *Manager) HostPolicy(ctx context.Context, host string) (rerr error) {
	log := pkglog.WithContext(ctx)
	defer func() {
		log.Debugx("autotls hostpolicy result", rerr, slog.String("host", host))
	}()

	select {
	case <-m.shutdown:
		return fmt.Errorf("shutting down")
	default:
	}

	xhost, _, err := net.SplitHostPort(host)
	if err == nil {
		host = xhost
	}

	d, err := dns.ParseDomain(host)
	if err != nil {
		return fmt.Errorf("invalid host: %v", err)
	}

	m.Lock()
	defer m.Unlock()
	if _, ok := m.hosts[d]; !ok {
		return fmt.Errorf("%w: %q", errHostNotAllowed, d)
	}
	return nil
}

type dirCache autocert.DirCache

func (d dirCache) Delete(ctx context.Context, name string) (rerr error) {
	log := pkglog.WithContext(ctx)
	defer func() {
		log.Debugx("dircache delete result", rerr, slog.String("name", name))
	}()
	err := autocert.DirCache(d).Delete(ctx, name)
	if err != nil {
		log.Errorx("deleting cert from dir cache", err, slog.String("name", name))
	} else if !strings.HasSuffix(name, "+token") {
		log.Info("autotls cert delete", slog.String("name", name))
	}
	return err
}

func (d dirCache) Get(ctx context.Context, name string) (rbuf []byte, rerr error) {
	log := pkglog.WithContext(ctx)
	defer func() {
		log.Debugx("dircache get result", rerr, slog.String("name", name))
	}()
	buf, err := autocert.DirCache(d).Get(ctx, name)
	if err != nil && errors.Is(err, autocert.ErrCacheMiss) {
		log.Infox("getting cert from dir cache", err, slog.String("name", name))
	} else if err != nil {
		log.Errorx("getting cert from dir cache", err, slog.String("name", name))
	} else if !strings.HasSuffix(name, "+token") {
		log.Debug("autotls cert get", slog.String("name", name))
	}
	return buf, err
}

func (d dirCache) Put(ctx context.Context, name string, data []byte) (rerr error) {
	log := pkglog.WithContext(ctx)
	defer func() {
		log.Debugx("dircache put result", rerr, slog.String("name", name))
	}()
	metricCertput.Inc()
	err := autocert.DirCache(d).Put(ctx, name, data)
	if err != nil {
		log.Errorx("storing cert in dir cache", err, slog.String("name", name))
	} else if !strings.HasSuffix(name, "+token") {
		log.Info("autotls cert store", slog.String("name", name))
	}
	return err
}

// LoadKeyCert returns a TLS config with a static certificate from PEM files.
func LoadKeyCert(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tls key/cert: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig returns a TLS config for outgoing relays, trusting the system
// roots and the PEM certificates in caFiles.
func ClientConfig(caFiles []string) (*tls.Config, error) {
	if len(caFiles) == 0 {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, p := range caFiles {
		buf, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading ca file: %w", err)
		}
		if !pool.AppendCertsFromPEM(buf) {
			return nil, fmt.Errorf("no certificates in ca file %s", p)
		}
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
