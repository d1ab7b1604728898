package mailserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dragonrelay/stellarmail/address"
	"github.com/dragonrelay/stellarmail/metrics"
	"github.com/dragonrelay/stellarmail/queue"
	"github.com/dragonrelay/stellarmail/stellar-"
	"github.com/dragonrelay/stellarmail/store"
	"github.com/dragonrelay/stellarmail/wire"
)

// Used for SEND without subject or body.
const (
	defaultSubject = "Oops! I am being silent right now."
	defaultBody    = "I'm sorry for the silence but not sorry at the same time :)"
)

func (c *conn) cmdReg(e wire.Envelope) {
	name, err := address.NormalizeUsername(e.Username)
	if err != nil {
		c.xwrite(wire.Envelope{Kind: wire.KindRegFail, Username: e.Username, Error: err.Error()})
		return
	}
	if e.Password == "" {
		c.xwrite(wire.Envelope{Kind: wire.KindRegFail, Username: name, Error: "empty password"})
		return
	}
	_, err = c.s.Store.CreateUser(c.ctx(), name, e.Password)
	if err != nil && (errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, store.ErrInvalidName)) {
		c.log.Debugx("registration refused", err, slog.String("username", name))
		c.xwrite(wire.Envelope{Kind: wire.KindRegFail, Username: name})
		return
	}
	xcheckf(err, "registering user")
	c.log.Info("user registered", slog.String("username", name))
	c.xwrite(wire.Envelope{Kind: wire.KindRegOK, Username: name})
}

func (c *conn) cmdLog(e wire.Envelope) {
	if c.username != "" {
		xusererrorf("already logged in")
	}

	if !c.s.limits().failedLogin.CanAdd(c.remoteIP, time.Now(), 1) {
		metrics.AuthenticationInc("session", "ratelimited")
		c.log.Info("login refused due to many failed attempts", slog.String("username", e.Username))
		c.xwrite(wire.Envelope{Kind: wire.KindLogFail, Error: "too many failed login attempts, try again later"})
		return
	}

	fail := func(result string, err error) {
		c.authFailed++
		c.s.limits().failedLogin.Add(c.remoteIP, time.Now(), 1)
		metrics.AuthenticationInc("session", result)
		c.log.Infox("login failed", err, slog.String("username", e.Username), slog.Int("authfailed", c.authFailed))
		// Push back on clients that keep trying.
		if c.authFailed > 3 {
			stellar.Sleep(stellar.Context, time.Duration(c.authFailed-3)*time.Second)
		}
		c.xwrite(wire.Envelope{Kind: wire.KindLogFail})
	}

	name, err := address.NormalizeUsername(e.Username)
	if err != nil {
		fail("badcreds", err)
		return
	}
	u, err := c.s.Store.CheckPassword(c.ctx(), name, e.Password)
	if err != nil {
		if errors.Is(err, store.ErrUnknownUser) || errors.Is(err, store.ErrBadPassword) {
			fail("badcreds", err)
			return
		}
		metrics.AuthenticationInc("session", "error")
		xcheckf(err, "checking password")
	}
	if u.Banned {
		metrics.AuthenticationInc("session", "banned")
		c.log.Info("login by banned user", slog.String("username", name))
		c.xwrite(wire.Envelope{Kind: wire.KindBanned})
		return
	}

	folders, err := c.s.Store.ListFolders(c.ctx(), name)
	xcheckf(err, "listing folders")

	c.s.limits().failedLogin.Reset(c.remoteIP, time.Now())
	c.username = name
	c.log = c.log.With(slog.String("username", name))
	c.s.addSession(c)
	metrics.AuthenticationInc("session", "ok")
	c.log.Info("logged in")

	l := make([]wire.Folder, len(folders))
	for i, f := range folders {
		l[i] = wire.Folder{ID: f.ID, Alias: f.DisplayName}
	}
	c.xwrite(wire.Envelope{Kind: wire.KindLogOK, Username: name, Folders: l})
}

// localAddress is the address of the logged in user.
func (c *conn) localAddress() address.Address {
	return address.Address{Localpart: c.username, Domain: c.s.DomainRoot}
}

// xsubmit adds a message to the outbox.
func (c *conn) xsubmit(to, subject, body string, attachments []json.RawMessage) int64 {
	rcpt, err := address.ParseAddress(to)
	if err != nil {
		xusererrorf("bad destination address: %v", err)
	}
	if subject == "" {
		subject = defaultSubject
	}
	if body == "" {
		body = defaultBody
	}
	id, err := c.s.Queue.Add(c.log, queue.Msg{
		Sender:      c.username,
		From:        c.localAddress(),
		To:          rcpt,
		Subject:     subject,
		Body:        body,
		Attachments: attachments,
	})
	if err != nil {
		panic(serverError{err})
	}
	c.log.Info("message queued", slog.Int64("msgid", id), slog.Any("to", rcpt))
	return id
}

func (c *conn) cmdSend(e wire.Envelope) {
	c.xsubmit(e.To, e.Subject, e.Content, e.Attachments)
	c.xwrite(wire.Envelope{Kind: wire.KindMessageSent})
}

func (c *conn) cmdListFolders(e wire.Envelope) {
	folders, err := c.s.Store.ListFolders(c.ctx(), c.username)
	xcheckf(err, "listing folders")
	for _, f := range folders {
		c.xwrite(wire.Envelope{Kind: wire.KindGotFolder, FolderID: f.ID, Alias: f.DisplayName})
	}
	c.xwrite(wire.Envelope{Kind: wire.KindListEnd})
}

func (c *conn) cmdListMessages(e wire.Envelope) {
	var werr error
	err := c.s.Store.ListMessages(c.ctx(), c.username, e.FolderID, func(s store.Summary) error {
		werr = c.wc.Write(wire.Envelope{
			Kind: wire.KindGotMessages,
			Mail: &wire.Mail{
				ID:      s.ID,
				To:      s.To,
				From:    s.From,
				Subject: s.Subject,
				HasRead: s.Read,
				SentAt:  s.SentAt,
			},
		})
		return werr
	})
	if werr != nil {
		panic(errIO)
	}
	xcheckf(err, "listing messages")
	c.xwrite(wire.Envelope{Kind: wire.KindListEnd})
}

func mail(m store.Message) *wire.Mail {
	return &wire.Mail{
		ID:          m.ID,
		To:          m.To,
		From:        m.From,
		Subject:     m.Subject,
		Message:     m.Body,
		Attachments: m.Attachments,
		HasRead:     m.Read,
		SentAt:      m.SentAt,
		Drafted:     m.Draft,
	}
}

func (c *conn) cmdReadMail(e wire.Envelope) {
	m, err := c.s.Store.MarkRead(c.ctx(), c.username, e.FolderID, e.MailID)
	if errors.Is(err, store.ErrNotFound) {
		c.xwrite(wire.Envelope{Kind: wire.KindMissingMail, FolderID: e.FolderID, MailID: e.MailID})
		return
	}
	xcheckf(err, "reading message")
	c.xwrite(wire.Envelope{Kind: wire.KindMailRead, Mail: mail(m)})
}

func (c *conn) cmdDeleteFolder(e wire.Envelope) {
	err := c.s.Store.DeleteFolder(c.ctx(), c.username, e.FolderID)
	if errors.Is(err, store.ErrReserved) || errors.Is(err, store.ErrNotFound) {
		c.xwrite(wire.Envelope{Kind: wire.KindDeletedFail, FolderID: e.FolderID, Error: err.Error()})
		return
	}
	xcheckf(err, "removing folder")
	c.xwrite(wire.Envelope{Kind: wire.KindDeletedOK, FolderID: e.FolderID})
}

func (c *conn) cmdDeleteMail(e wire.Envelope) {
	err := c.s.Store.DeleteMessage(c.ctx(), c.username, e.FolderID, e.MailID)
	xcheckf(err, "removing message")
	c.xwrite(wire.Envelope{Kind: wire.KindMailDeleted, FolderID: e.FolderID, MailID: e.MailID})
}

func (c *conn) cmdMoveMail(e wire.Envelope) {
	err := c.s.Store.MoveMessage(c.ctx(), c.username, e.FolderID, e.NewFolder, e.MailID)
	if errors.Is(err, store.ErrSameFolder) || errors.Is(err, store.ErrNotFound) {
		c.xwrite(wire.Envelope{Kind: wire.KindMoveErr, Error: err.Error()})
		return
	}
	xcheckf(err, "moving message")
	c.xwrite(wire.Envelope{Kind: wire.KindMailMoved, FolderID: e.NewFolder, MailID: e.MailID})
}

func (c *conn) cmdMakeNewFolder(e wire.Envelope) {
	f, err := c.s.Store.CreateFolder(c.ctx(), c.username, e.FolderID, e.FolderName)
	if errors.Is(err, store.ErrAlreadyExists) {
		c.xwrite(wire.Envelope{Kind: wire.KindFolderExists, FolderID: e.FolderID})
		return
	}
	xcheckf(err, "creating folder")
	c.xwrite(wire.Envelope{Kind: wire.KindFolderCreated, FolderID: f.ID, FolderName: f.DisplayName})
}

func (c *conn) cmdRenameFolder(e wire.Envelope) {
	err := c.s.Store.RenameFolder(c.ctx(), c.username, e.FolderID, e.FolderName)
	xcheckf(err, "renaming folder")
	c.xwrite(wire.Envelope{Kind: wire.KindRenamedFolder, FolderID: e.FolderID, FolderName: e.FolderName})
}

func (c *conn) cmdEmptyTrash(e wire.Envelope) {
	n, err := c.s.Store.EmptyTrash(c.ctx(), c.username)
	xcheckf(err, "emptying trash")
	c.log.Debug("trash emptied", slog.Int("messages", n))
	c.xwrite(wire.Envelope{Kind: wire.KindTrashEmptied})
}

func (c *conn) draft(e wire.Envelope) store.Message {
	return store.Message{
		To:          e.To,
		From:        c.localAddress().String(),
		Subject:     e.Subject,
		Body:        e.Content,
		Attachments: e.Attachments,
		Draft:       true,
	}
}

func (c *conn) cmdSaveDraft(e wire.Envelope) {
	id, err := c.s.Store.AppendMessage(c.ctx(), c.username, store.Draft, c.draft(e))
	xcheckf(err, "saving draft")
	c.xwrite(wire.Envelope{Kind: wire.KindDraftSaved, MailID: id})
}

func (c *conn) cmdReadDraft(e wire.Envelope) {
	m, err := c.s.Store.Message(c.ctx(), c.username, store.Draft, e.MailID)
	xcheckf(err, "reading draft")
	c.xwrite(wire.Envelope{Kind: wire.KindDraftRead, MailID: m.ID, Mail: mail(m)})
}

func (c *conn) cmdEditDraft(e wire.Envelope) {
	err := c.s.Store.ReplaceDraft(c.ctx(), c.username, e.MailID, c.draft(e))
	xcheckf(err, "editing draft")
	c.xwrite(wire.Envelope{Kind: wire.KindDraftEdited, MailID: e.MailID})
}

// cmdSendDraft queues a draft for delivery, and removes it from the drafts once
// queued.
func (c *conn) cmdSendDraft(e wire.Envelope) {
	ctx := c.ctx()
	m, err := c.s.Store.Message(ctx, c.username, store.Draft, e.MailID)
	xcheckf(err, "reading draft")
	c.xsubmit(m.To, m.Subject, m.Body, m.Attachments)
	_, err = c.s.Store.RemoveMessage(ctx, c.username, store.Draft, e.MailID)
	xcheckf(err, "removing sent draft")
	c.xwrite(wire.Envelope{Kind: wire.KindDraftSent, MailID: e.MailID})
}
