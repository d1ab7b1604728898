package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dragonrelay/stellarmail/discovery"
	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/mailserver"
	"github.com/dragonrelay/stellarmail/metrics"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/queue"
	"github.com/dragonrelay/stellarmail/stellar-"
	"github.com/dragonrelay/stellarmail/stellarvar"
	"github.com/dragonrelay/stellarmail/store"
	"github.com/dragonrelay/stellarmail/webadmin"
)

func cmdServe(c *cmd) {
	c.help = `Start stellarmail, serving client sessions, relays from peers, discovery
requests and the admin API.

All configuration is in the config file. The outbox is kept in memory, messages
still queued while shutting down are dropped and logged.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	conf := stellar.MustLoadConfig(configPath, false)
	if loglevel != "" {
		// The command-line flag overrides the default level from the config file.
		if level, ok := mlog.Levels[loglevel]; ok {
			conf.Log[""] = level
			mlog.SetConfig(conf.Log)
		}
	}
	log := c.log

	log.Print("starting stellarmail",
		slog.String("version", stellarvar.Version),
		slog.Int("pid", os.Getpid()),
		slog.String("config", configPath))

	srv, err := start(conf, log)
	if err != nil {
		log.Fatalx("startup", err)
	}
	log.Print("ready to serve")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
	srv.shutdown(log)
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	}
	os.Exit(1)
}

// running holds what needs to be stopped on shutdown.
type running struct {
	store  *store.Store
	queue  *queue.Queue
	admin  *http.Server
	closed chan struct{} // Closed when all discovery responders stopped.
}

// start opens the store, starts the outbox worker and all listeners, then
// returns.
func start(conf *stellar.Config, log mlog.Log) (*running, error) {
	sc := conf.Static
	ctx := stellar.Context

	st, err := store.Open(ctx, log, conf.DataDirPath("."))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	for _, s := range sc.BlockedDomains {
		d, err := dns.ParseDomain(s)
		if err != nil {
			return nil, fmt.Errorf("parsing blocked domain: %w", err)
		}
		if err := st.BlockDomain(ctx, d); err != nil {
			return nil, fmt.Errorf("adding blocked domain from config: %w", err)
		}
	}

	// Interrupted operations from before a crash may have left files behind.
	l, err := st.ReconcileAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciling accounts: %w", err)
	}
	for _, r := range l {
		if r.OrphanFiles > 0 || r.OrphanDirs > 0 || r.DanglingRefs > 0 {
			log.Print("reconciled account",
				slog.String("user", r.User),
				slog.Int("orphanfiles", r.OrphanFiles),
				slog.Int("orphandirs", r.OrphanDirs),
				slog.Int("danglingrefs", r.DanglingRefs))
		}
	}

	q := queue.New(log, st, queue.Options{
		DomainRoot:               sc.DomainRootDomain,
		EnforceEncryptedDelivery: sc.EnforceEncryptedDelivery,
		PlainPort:                sc.Ports.Plain,
		TLSPort:                  sc.Ports.TLS,
		DiscoveryPort:            sc.Ports.Discovery,
		DiscoveryTimeout:         sc.DiscoveryTimeout,
		RelayTimeout:             sc.RelayTimeout,
		TLSConfig:                sc.ClientTLSConfig,
	})
	// A delivery in progress is given until Context is canceled during shutdown.
	q.Start(stellar.Context)

	ms := &mailserver.Server{
		DomainRoot:     sc.DomainRootDomain,
		WelcomeMessage: sc.WelcomeMessage,
		Store:          st,
		Queue:          q,
		Resolver:       dns.StrictResolver{Pkg: "mailserver", Log: log.Logger},
		IdleTimeout:    30 * time.Minute,
	}
	port := sc.Ports.Plain
	name := "plain"
	if sc.TLSConfig != nil {
		port = sc.Ports.TLS
		name = "tls"
	}
	for _, ip := range sc.ListenIPs {
		if err := ms.Listen(name, ip, port, sc.TLSConfig); err != nil {
			return nil, err
		}
	}

	r := &running{store: st, queue: q, closed: make(chan struct{})}

	info := discovery.Info{ServerName: sc.ServerName, RequiresEncryption: sc.TLSConfig != nil}
	var responders []*discovery.Responder
	for _, ip := range sc.ListenIPs {
		addr := net.JoinHostPort(ip, strconv.Itoa(sc.Ports.Discovery))
		conn, err := net.ListenPacket(stellar.Network("udp", ip), addr)
		if err != nil {
			return nil, fmt.Errorf("listen for discovery on %s: %w", addr, err)
		}
		log.Print("listening for discovery", slog.String("address", addr))
		responders = append(responders, discovery.NewResponder(log, conn, info))
	}

	if a := sc.AdminHTTP; a != nil {
		webadmin.Setup(webadmin.Services{
			Store:        st,
			Outbox:       q,
			Sessions:     ms,
			ServerName:   sc.ServerName,
			DomainRoot:   sc.DomainRootDomain,
			PasswordFile: conf.AdminPasswordPath(),
		})
		mux := http.NewServeMux()
		if conf.AdminPasswordPath() != "" {
			mux.HandleFunc(webadmin.APIPath, webadmin.Handle)
			go webadmin.ManageAuthCache(stellar.Shutdown)
		}
		if !a.NoMetrics {
			mux.Handle("/metrics", promhttp.Handler())
		}
		ln, err := net.Listen("tcp", a.Address)
		if err != nil {
			return nil, fmt.Errorf("listen for admin http on %s: %w", a.Address, err)
		}
		log.Print("listening for admin http", slog.String("address", a.Address))
		r.admin = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
			ErrorLog:          slog.NewLogLogger(log.Logger.Handler(), mlog.LevelInfo),
		}
		go func() {
			err := r.admin.Serve(ln)
			if err != http.ErrServerClosed {
				log.Errorx("admin http server", err)
			}
		}()
	}

	ms.Serve()
	go func() {
		defer close(r.closed)
		done := make(chan struct{}, len(responders))
		for _, resp := range responders {
			resp := resp
			go func() {
				defer func() {
					x := recover()
					if x != nil {
						log.Error("unhandled panic in discovery responder", slog.Any("err", x))
						metrics.PanicInc("discovery")
					}
					done <- struct{}{}
				}()
				err := resp.Serve(stellar.Shutdown)
				log.Check(err, "discovery responder")
			}()
		}
		for range responders {
			<-done
		}
	}()
	return r, nil
}

func (r *running) shutdown(log mlog.Log) {
	// Causes listeners to close and the outbox worker to stop after its current
	// message.
	stellar.ShutdownCancel()

	if r.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := r.admin.Shutdown(ctx)
		log.Check(err, "shutting down admin http server")
		cancel()
	}

	done := stellar.Connections.Done()
	select {
	case <-done:
		log.Print("connections shutdown")
	case <-time.After(3 * time.Second):
		// Abort pending operations and set an immediate deadline on sockets.
		stellar.ContextCancel()
		stellar.Connections.Shutdown()
		select {
		case <-done:
			log.Print("no more connections, shutdown is clean")
		case <-time.After(time.Second):
			log.Print("shutting down with pending sockets")
		}
	}
	stellar.ContextCancel()

	r.queue.Shutdown()
	<-r.closed
	err := r.store.Close()
	log.Check(err, "closing store")
}
