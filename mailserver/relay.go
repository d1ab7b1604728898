package mailserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dragonrelay/stellarmail/address"
	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/store"
	"github.com/dragonrelay/stellarmail/wire"
)

var metricRelay = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stellar_relay_inbound_total",
		Help: "Incoming relay requests from other servers.",
	},
	[]string{
		"result", // accepted, blocked, spoof, recipient, storage, malformed
	},
)

var errSpoofSuspected = errors.New("sender domain does not resolve")

// Maximum time for the sender domain lookup and storing the message.
const relayTimeout = 30 * time.Second

// cmdRelay handles a message relayed by another server for a local user. The
// connection is closed after at most one response.
//
// Relays from blocked sender domains get no response at all, the sender must
// not learn it is blocked. The sender domain must have an A record, a cheap
// deterrent against made up sender domains. The recipient must be a local user,
// its domain isn't checked: the relaying server found us through it.
func (c *conn) cmdRelay(e wire.Envelope) {
	ctx, cancel := c.ctxTimeout(relayTimeout)
	defer cancel()

	log := c.log.With(slog.String("from", e.From), slog.String("to", e.To))

	reject := func(result, reason string, err error) {
		log.Infox("rejecting relayed message", err, slog.String("reason", reason))
		metricRelay.WithLabelValues(result).Inc()
		c.xwrite(wire.Envelope{Kind: wire.KindRelayRejected, Reason: reason})
		panic(cleanClose)
	}

	from, err := address.ParseAddress(e.From)
	if err != nil {
		reject("malformed", wire.ReasonMalformed, err)
	}
	to, err := address.ParseAddress(e.To)
	if err != nil {
		reject("malformed", wire.ReasonMalformed, err)
	}
	log = log.With(slog.Any("fromdomain", from.Domain))

	blocked, err := c.s.Store.IsBlocked(ctx, from.Domain)
	if err != nil {
		reject("storage", wire.ReasonStorage, fmt.Errorf("checking blocklist: %w", err))
	}
	if blocked {
		log.Info("dropping relayed message from blocked domain")
		metricRelay.WithLabelValues("blocked").Inc()
		panic(cleanClose)
	}

	if err := c.checkSenderDomain(from.Domain); err != nil {
		reject("spoof", wire.ReasonSpoof, err)
	}

	if _, err := c.s.Store.User(ctx, to.Localpart); err != nil {
		if errors.Is(err, store.ErrUnknownUser) {
			reject("recipient", wire.ReasonRecipient, err)
		}
		reject("storage", wire.ReasonStorage, fmt.Errorf("looking up recipient: %w", err))
	}

	m := store.Message{
		To:          to.String(),
		From:        from.String(),
		Subject:     e.Subject,
		Body:        e.Body,
		Attachments: e.Attachments,
		SentAt:      time.Now(),
	}
	id, err := c.s.Store.AppendMessage(ctx, to.Localpart, store.Inbox, m)
	if err != nil {
		reject("storage", wire.ReasonStorage, fmt.Errorf("storing message: %w", err))
	}

	log.Info("accepted relayed message", slog.String("user", to.Localpart), slog.String("msgid", id))
	metricRelay.WithLabelValues("accepted").Inc()
	c.xwrite(wire.Envelope{Kind: wire.KindRelayAccepted})
	panic(cleanClose)
}

// checkSenderDomain returns errSpoofSuspected if d has no IPv4 address.
func (c *conn) checkSenderDomain(d dns.Domain) error {
	ctx, cancel := c.ctxTimeout(relayTimeout)
	defer cancel()
	ips, _, err := dns.WithPackage(c.s.Resolver, "mailserver").LookupIP(ctx, "ip4", d.FQDN())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errSpoofSuspected, d, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("%w: %s: no addresses", errSpoofSuspected, d)
	}
	c.log.Debug("sender domain resolves", slog.Any("domain", d), slog.Any("ips", ips))
	return nil
}
