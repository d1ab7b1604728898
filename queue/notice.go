package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dragonrelay/stellarmail/address"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/store"
)

// NoticeSubject is the subject of failure notices.
const NoticeSubject = "Mailbox Server Error!"

const encryptionNoticeBody = "The server has SSL enforcement turned on so your mail wasn't delivered because the server you attempted to send mail to does not have SSL enabled. Ask the administrator of the email server you tried to send to setup SSL."

// Postmaster returns the address failure notices are sent from.
func (q *Queue) Postmaster() address.Address {
	return address.Address{Localpart: "postmaster", Domain: q.opts.DomainRoot}
}

func noticeBody(m *Msg, err error) string {
	switch {
	case errors.Is(err, ErrEncryptionRequired):
		return encryptionNoticeBody
	case errors.Is(err, ErrRejectedByPeer):
		return fmt.Sprintf("Your mail to %s with subject %q was not delivered, the destination server rejected it.\n\nDetails: %v", m.To, m.Subject, err)
	case errors.Is(err, ErrTimeout):
		return fmt.Sprintf("Your mail to %s with subject %q was not delivered, the destination server did not respond in time. It may have been dropped by the destination server.\n\nDetails: %v", m.To, m.Subject, err)
	}
	return fmt.Sprintf("Your mail to %s with subject %q was not delivered, the destination server could not be reached.\n\nDetails: %v", m.To, m.Subject, err)
}

// notify files a failure notice for err in the inbox of the sender. Errors are
// logged, there is no one else to tell.
func (q *Queue) notify(log mlog.Log, m *Msg, err error) {
	notice := store.Message{
		To:      m.From.String(),
		From:    q.Postmaster().String(),
		Subject: NoticeSubject,
		Body:    noticeBody(m, err),
		SentAt:  time.Now(),
	}
	// Independent of shutdown, the store is closed after the worker stops.
	id, xerr := q.boxes.AppendMessage(context.Background(), m.Sender, store.Inbox, notice)
	if xerr != nil {
		log.Errorx("filing failure notice", xerr, slog.String("sender", m.Sender), slog.Any("deliveryerr", err))
		return
	}
	log.Debug("filed failure notice", slog.String("sender", m.Sender), slog.String("noticeid", id))
}

// fileSent stores a copy of a delivered message in the sent folder of the
// sender.
func (q *Queue) fileSent(log mlog.Log, m *Msg) {
	cp := store.Message{
		To:          m.To.String(),
		From:        m.From.String(),
		Subject:     m.Subject,
		Body:        m.Body,
		Attachments: m.Attachments,
		SentAt:      time.Now(),
	}
	id, err := q.boxes.AppendMessage(context.Background(), m.Sender, store.Sent, cp)
	if err != nil {
		log.Errorx("filing sent copy of delivered message", err, slog.String("sender", m.Sender))
		return
	}
	log.Debug("filed sent copy", slog.String("sender", m.Sender), slog.String("sentid", id))
}
