package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mjl-/bstore"

	"github.com/dragonrelay/stellarmail/dns"
)

// BlockDomain adds a domain to the blocklist. Adding a domain that is already
// blocked is not an error.
func (s *Store) BlockDomain(ctx context.Context, d dns.Domain) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		bd := BlockedDomain{d.ASCII}
		if err := tx.Get(&bd); err == nil {
			return nil
		} else if err != bstore.ErrAbsent {
			return err
		}
		return tx.Insert(&bd)
	})
	if err == nil {
		s.log.Info("domain blocked", slog.Any("domain", d))
	}
	return err
}

// UnblockDomain removes a domain from the blocklist.
func (s *Store) UnblockDomain(ctx context.Context, d dns.Domain) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		err := tx.Delete(&BlockedDomain{d.ASCII})
		if err == bstore.ErrAbsent {
			return fmt.Errorf("%w: domain %s not blocked", ErrNotFound, d)
		}
		return err
	})
	if err == nil {
		s.log.Info("domain unblocked", slog.Any("domain", d))
	}
	return err
}

// IsBlocked returns whether messages from domain d must be dropped.
func (s *Store) IsBlocked(ctx context.Context, d dns.Domain) (blocked bool, rerr error) {
	rerr = s.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		blocked, err = bstore.QueryTx[BlockedDomain](tx).FilterID(d.ASCII).Exists()
		return err
	})
	return
}

// BlockedDomains returns the blocked domains, sorted.
func (s *Store) BlockedDomains(ctx context.Context) (l []string, rerr error) {
	rerr = s.DB.Read(ctx, func(tx *bstore.Tx) error {
		return bstore.QueryTx[BlockedDomain](tx).SortAsc("Domain").ForEach(func(bd BlockedDomain) error {
			l = append(l, bd.Domain)
			return nil
		})
	})
	return
}

// WelcomeMessage returns the stored welcome message, or empty if none was set.
func (s *Store) WelcomeMessage(ctx context.Context) (msg string, rerr error) {
	rerr = s.DB.Read(ctx, func(tx *bstore.Tx) error {
		st := Settings{ID: 1}
		err := tx.Get(&st)
		if err == bstore.ErrAbsent {
			return nil
		}
		msg = st.WelcomeMessage
		return err
	})
	return
}

// SetWelcomeMessage stores a new welcome message for clients.
func (s *Store) SetWelcomeMessage(ctx context.Context, msg string) error {
	return s.DB.Write(ctx, func(tx *bstore.Tx) error {
		st := Settings{ID: 1}
		err := tx.Get(&st)
		if err == bstore.ErrAbsent {
			st.WelcomeMessage = msg
			return tx.Insert(&st)
		} else if err != nil {
			return err
		}
		st.WelcomeMessage = msg
		return tx.Update(&st)
	})
}
