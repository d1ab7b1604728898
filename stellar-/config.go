package stellar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/mjl-/sconf"

	"github.com/dragonrelay/stellarmail/autotls"
	"github.com/dragonrelay/stellarmail/config"
	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/mlog"
)

// ConfigEnv is the environment variable holding the config file path when no
// -config flag is given.
const ConfigEnv = "STELLARMAIL_CONFIG"

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.
	Log    map[string]slog.Level

	// Path of the parsed config file, relative paths in the config are resolved
	// against its directory.
	File string

	// Set when TLS certificates are requested with ACME.
	ACMEManager *autotls.Manager
}

// ConfigDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the directory of the config file.
func (c *Config) ConfigDirPath(f string) string {
	return configDirPath(c.File, f)
}

// DataDirPath returns to the path to "f". Either f itself when absolute, or
// interpreted relative to the data directory.
func (c *Config) DataDirPath(f string) string {
	return dataDirPath(c.File, c.Static.DataDir, f)
}

// MustLoadConfig parses the config at p, quitting on errors. The log levels
// from the config are activated.
func MustLoadConfig(p string, checkOnly bool) *Config {
	c, errs := ParseConfig(context.Background(), pkglog, p, checkOnly)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
	mlog.SetConfig(c.Log)
	return c
}

// ParseConfig parses the config file at path p. If checkOnly is true, no changes
// are made, such as registering an ACME identity.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
		File: p,
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv(ConfigEnv) == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use stellarmail -config ... or set %s=...)", err, ConfigEnv)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the parsed config, fills in defaults and prepares
// data structures for starting the server, such as the TLS configs. If
// checkOnly is set no substantial changes are made, like creating an ACME
// registration.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	c := &conf.Static

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]slog.Level{"": mlog.LevelError}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.ServerName == "" {
		c.ServerName = "StellarMail"
	}
	if c.DomainRoot == "" {
		addErrorf("DomainRoot is required")
	} else if d, err := dns.ParseDomain(c.DomainRoot); err != nil {
		addErrorf("parsing DomainRoot: %v", err)
	} else {
		c.DomainRootDomain = d
	}
	for _, s := range c.BlockedDomains {
		if _, err := dns.ParseDomain(s); err != nil {
			addErrorf("parsing blocked domain %q: %v", s, err)
		}
	}

	c.Ports.Plain = config.Port(c.Ports.Plain, config.DefaultPlainPort)
	c.Ports.TLS = config.Port(c.Ports.TLS, config.DefaultTLSPort)
	c.Ports.Discovery = config.Port(c.Ports.Discovery, config.DefaultDiscoveryPort)
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = config.DefaultDiscoveryTimeout
	} else if c.DiscoveryTimeout < 0 {
		addErrorf("DiscoveryTimeout must be positive")
	}
	if c.RelayTimeout == 0 {
		c.RelayTimeout = config.DefaultRelayTimeout
	} else if c.RelayTimeout < 0 {
		addErrorf("RelayTimeout must be positive")
	}

	if len(c.ListenIPs) == 0 {
		c.ListenIPs = []string{"0.0.0.0", "::"}
	}
	c.ListenNetIPs = nil
	for _, s := range c.ListenIPs {
		ip := net.ParseIP(s)
		if ip == nil {
			addErrorf("invalid listen ip %q", s)
			continue
		}
		c.ListenNetIPs = append(c.ListenNetIPs, ip)
	}

	var caFiles []string
	if t := c.TLS; t != nil {
		for _, f := range t.CAFiles {
			caFiles = append(caFiles, configDirPath(configFile, f))
		}

		switch {
		case t.ACME != nil && (t.CertFile != "" || t.KeyFile != ""):
			addErrorf("TLS: cannot have both ACME and CertFile/KeyFile")
		case t.ACME != nil:
			acme := t.ACME
			if acme.DirectoryURL == "" {
				acme.DirectoryURL = autotls.LetsEncryptURL
			}
			if acme.CacheDir == "" {
				acme.CacheDir = "acme"
			}
			if acme.ContactEmail == "" {
				addErrorf("TLS ACME: ContactEmail is required")
			}
			hosts := map[dns.Domain]struct{}{}
			for _, h := range acme.Hostnames {
				d, err := dns.ParseDomain(h)
				if err != nil {
					addErrorf("TLS ACME: parsing hostname %q: %v", h, err)
					continue
				}
				hosts[d] = struct{}{}
			}
			if len(hosts) == 0 {
				addErrorf("TLS ACME: at least one hostname is required")
			}
			if checkOnly || len(errs) > 0 {
				break
			}
			acmeDir := dataDirPath(configFile, c.DataDir, acme.CacheDir)
			if err := os.MkdirAll(acmeDir, 0770); err != nil {
				addErrorf("TLS ACME: creating cache dir: %v", err)
				break
			}
			m, err := autotls.Load("stellarmail", acmeDir, acme.ContactEmail, acme.DirectoryURL, Shutdown.Done())
			if err != nil {
				addErrorf("TLS ACME: loading identity: %v", err)
				break
			}
			m.SetAllowedHostnames(log, hosts)
			conf.ACMEManager = m
			c.TLSConfig = m.TLSConfig
		case t.CertFile != "" && t.KeyFile != "":
			tlsConfig, err := autotls.LoadKeyCert(configDirPath(configFile, t.CertFile), configDirPath(configFile, t.KeyFile))
			if err != nil {
				addErrorf("TLS: %v", err)
			} else {
				c.TLSConfig = tlsConfig
			}
		default:
			addErrorf("TLS: need either ACME or both CertFile and KeyFile")
		}
	}
	clientConfig, err := autotls.ClientConfig(caFiles)
	if err != nil {
		addErrorf("TLS CAFiles: %v", err)
	} else {
		c.ClientTLSConfig = clientConfig
	}

	if a := c.AdminHTTP; a != nil {
		if a.Address == "" {
			addErrorf("AdminHTTP: Address is required")
		} else if _, _, err := net.SplitHostPort(a.Address); err != nil {
			addErrorf("AdminHTTP: parsing address: %v", err)
		}
	}
	return
}

// AdminPasswordPath returns the path of the admin password file, or empty if
// not configured.
func (c *Config) AdminPasswordPath() string {
	if c.Static.AdminHTTP == nil || c.Static.AdminHTTP.PasswordFile == "" {
		return ""
	}
	return c.ConfigDirPath(c.Static.AdminHTTP.PasswordFile)
}

// return f interpreted relative to the directory of the config dir. f is returned
// unchanged when absolute.
func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}

// return f interpreted relative to the data directory that is interpreted relative
// to the directory of the config dir. f is returned unchanged when absolute.
func dataDirPath(configFile, dataDir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(configDirPath(configFile, dataDir), f)
}
