package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/dragonrelay/stellarmail/discovery"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/wire"
)

// deliver relays m to the destination server that answered discovery with info.
// The connection and the wait for the acknowledgement are bounded by the relay
// timeout.
func (q *Queue) deliver(ctx context.Context, log mlog.Log, m *Msg, info discovery.Info) (rerr error) {
	host := m.To.Domain.ASCII

	// A plaintext-only destination with encryption enforced locally is a failure
	// for this message, without connecting.
	if !info.RequiresEncryption && q.opts.EnforceEncryptedDelivery {
		return fmt.Errorf("%w: %s", ErrEncryptionRequired, host)
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.RelayTimeout)
	defer cancel()

	port := q.opts.PlainPort
	if info.RequiresEncryption {
		port = q.opts.TLSPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log = log.With(slog.String("addr", addr), slog.Bool("tls", info.RequiresEncryption))

	conn, err := q.opts.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return connError(ctx, "dial", err)
	}
	defer func() {
		err := conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Check(err, "closing relay connection")
		}
	}()

	if info.RequiresEncryption {
		var config *tls.Config
		if q.opts.TLSConfig != nil {
			config = q.opts.TLSConfig.Clone()
		} else {
			config = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		config.ServerName = host
		tlsconn := tls.Client(conn, config)
		if err := tlsconn.HandshakeContext(ctx); err != nil {
			return connError(ctx, "tls handshake", err)
		}
		conn = tlsconn
		cs := tlsconn.ConnectionState()
		log.Debug("tls handshake done", slog.String("version", tls.VersionName(cs.Version)), slog.String("ciphersuite", tls.CipherSuiteName(cs.CipherSuite)))
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("%w: setting deadline: %v", ErrUnreachable, err)
		}
	}
	// Abort reads and writes when ctx is canceled before the deadline, e.g. at
	// shutdown.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	wc := wire.NewConn(conn, log)
	req := wire.Envelope{
		Kind:        wire.KindRelay,
		To:          m.To.String(),
		From:        m.From.String(),
		Subject:     m.Subject,
		Body:        m.Body,
		Attachments: m.Attachments,
	}
	if err := wc.Write(req); err != nil {
		return connError(ctx, "write relay request", err)
	}

	for {
		e, err := wc.Read()
		if errors.Is(err, wire.ErrMalformed) {
			log.Debugx("malformed envelope from destination server, ignoring", err)
			continue
		} else if err != nil {
			return connError(ctx, "read relay response", err)
		}
		switch e.Kind {
		case wire.KindRelayAccepted:
			return nil
		case wire.KindRelayRejected:
			if e.Reason != "" {
				return fmt.Errorf("%w: %s", ErrRejectedByPeer, e.Reason)
			}
			return ErrRejectedByPeer
		case wire.KindError:
			return fmt.Errorf("%w: %s", ErrRejectedByPeer, e.Error)
		default:
			// The welcome greeting, and anything else a server wants to say.
			log.Debug("skipping envelope from destination server", slog.String("kind", e.Kind))
		}
	}
}

// connError turns a connection error into an Unreachable or Timeout outcome.
func connError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: connection closed", ErrUnreachable, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, op, err)
}
