package config

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/dragonrelay/stellarmail/dns"
)

// Protocol-fixed default ports.
const (
	DefaultPlainPort     = 3425
	DefaultTLSPort       = 3426
	DefaultDiscoveryPort = 100
)

// Default timeouts for a federation delivery attempt.
const (
	DefaultDiscoveryTimeout = 15 * time.Second
	DefaultRelayTimeout     = 30 * time.Second
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is a parsed form of the stellarmail.conf configuration file, before
// converting it into a stellar.Config after additional processing.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: user database, accounts with their folders and messages, ACME certificates. If this is a relative path, it is relative to the directory of stellarmail.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, discovery, mailserver, store, webadmin, autotls, dns)."`
	ServerName       string            `sconf-doc:"Display name of this server, returned to peers in discovery answers, e.g. StellarMail."`
	DomainRoot       string            `sconf-doc:"Domain for the addresses of local users, e.g. example.org. Outgoing messages are sent from <user>@<DomainRoot>. Peers check that this domain has an A record, so it must resolve for others to accept mail from this server."`
	WelcomeMessage   string            `sconf:"optional" sconf-doc:"Initial welcome message sent to clients when they connect, in markdown. Can be changed at runtime through the admin API, after which the stored value is used instead."`
	BlockedDomains   []string          `sconf:"optional" sconf-doc:"Sender domains from which relayed messages are silently dropped. Added to the stored blocklist at startup. The blocklist can also be changed through the admin API."`

	EnforceEncryptedDelivery bool `sconf:"optional" sconf-doc:"Never deliver outgoing messages over plaintext connections. If a destination server does not require encryption, the message is not delivered and the sender gets a failure notice."`

	ListenIPs []string `sconf:"optional" sconf-doc:"IP addresses to listen on for client sessions, relays and discovery. Default: 0.0.0.0 and ::."`
	Ports     struct {
		Plain     int `sconf:"optional" sconf-doc:"Port for plaintext sessions and relays. Default 3425."`
		TLS       int `sconf:"optional" sconf-doc:"Port for TLS sessions and relays. Default 3426."`
		Discovery int `sconf:"optional" sconf-doc:"UDP port for discovery requests. Default 100."`
	} `sconf:"optional" sconf-doc:"Ports for the protocol. Peers use the default ports, only change them for testing."`

	DiscoveryTimeout time.Duration `sconf:"optional" sconf-doc:"How long to wait for a discovery answer from a destination server before abandoning the message. Default 15s."`
	RelayTimeout     time.Duration `sconf:"optional" sconf-doc:"How long to wait for the connection and the acknowledgement of a relay request. Default 30s."`

	TLS *TLS `sconf:"optional" sconf-doc:"TLS for sessions and relays. If set, sessions and relays are served on the TLS port only, and discovery answers tell peers encryption is required."`

	AdminHTTP *AdminHTTP `sconf:"optional" sconf-doc:"HTTP listener for the administrative API and prometheus metrics. Should not be reachable from the internet."`

	DomainRootDomain dns.Domain  `sconf:"-" json:"-"`
	ListenNetIPs     []net.IP    `sconf:"-" json:"-"`
	TLSConfig        *tls.Config `sconf:"-" json:"-"` // For the TLS listener, set while preparing the config.
	ClientTLSConfig  *tls.Config `sconf:"-" json:"-"` // For outgoing relays, with CAs from TLS.CAFiles.
}

// TLS configures certificates for the encrypted listener. Either key/cert files
// or ACME.
type TLS struct {
	CertFile string   `sconf:"optional" sconf-doc:"Certificate file, PEM, with intermediate certificates."`
	KeyFile  string   `sconf:"optional" sconf-doc:"Private key file, PEM, for CertFile."`
	ACME     *ACME    `sconf:"optional" sconf-doc:"Request certificates automatically with ACME for Hostnames."`
	CAFiles  []string `sconf:"optional" sconf-doc:"Additional certificate authorities, PEM, trusted for outgoing relays on top of the system roots. Useful for testing with self-signed certificates."`
}

// ACME is for automatically requesting TLS certificates.
type ACME struct {
	DirectoryURL string   `sconf:"optional" sconf-doc:"For letsencrypt, use https://acme-v02.api.letsencrypt.org/directory. Default."`
	ContactEmail string   `sconf-doc:"Email address to register at ACME provider. The provider can email you when certificates are about to expire."`
	Hostnames    []string `sconf-doc:"Hostnames to request certificates for. Typically the DomainRoot."`
	CacheDir     string   `sconf:"optional" sconf-doc:"Directory to store account keys and certificates in, relative to DataDir. Default acme."`
}

// AdminHTTP is the listener for the admin API and metrics.
type AdminHTTP struct {
	Address      string `sconf-doc:"Address to listen on, e.g. 127.0.0.1:8010."`
	PasswordFile string `sconf:"optional" sconf-doc:"File containing a bcrypt hash of the admin password, relative to the config file. Set with 'stellarmail setadminpassword'. Without it, the admin API is not served."`
	NoMetrics    bool   `sconf:"optional" sconf-doc:"Do not serve prometheus metrics at /metrics."`
}
