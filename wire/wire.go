// Package wire implements the framing for client sessions and server-to-server
// relays: one JSON object per line, with a "kind" field telling what the
// object is.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/dragonrelay/stellarmail/mlog"
)

// MaxLineSize is the maximum size of a single encoded envelope, including
// attachments.
const MaxLineSize = 32 * 1024 * 1024

var (
	ErrLineTooLong = errors.New("wire: line too long")
	ErrMalformed   = errors.New("wire: malformed envelope")
)

// Kinds of envelopes.
const (
	KindWelcome = "WELCOME"
	KindError   = "ERROR"
	KindListEnd = "LIST_END"

	KindRelay         = "RELAY"
	KindRelayAccepted = "RELAY_ACCEPTED"
	KindRelayRejected = "RELAY_REJECTED"

	KindReg           = "REG"
	KindRegOK         = "REG_OK"
	KindRegFail       = "REG_FAIL"
	KindLog           = "LOG"
	KindLogOK         = "LOG_OK"
	KindLogFail       = "LOG_FAIL"
	KindBanned        = "BANNED"
	KindSend          = "SEND"
	KindMessageSent   = "MESSAGE_SENT"
	KindListFolders   = "LIST_FOLDERS"
	KindGotFolder     = "GOT_FOLDER"
	KindListMessages  = "LIST_MESSAGES"
	KindGotMessages   = "GOT_MESSAGES"
	KindReadMail      = "READ_MAIL"
	KindMailRead      = "MAIL_READ"
	KindMissingMail   = "MISSING_MAIL"
	KindDeleteFolder  = "DELETE_FOLDER"
	KindDeletedOK     = "DELETED_OK"
	KindDeletedFail   = "DELETED_FAIL"
	KindDeleteMail    = "DELETE_MAIL"
	KindMailDeleted   = "MAIL_DELETED"
	KindMoveMail      = "MOVE_MAIL"
	KindMailMoved     = "MAIL_MOVED"
	KindMoveErr       = "MOVE_ERR"
	KindMakeNewFolder = "MAKE_NEW_FOLDER"
	KindFolderCreated = "NEW_FOLDER_CREATED"
	KindFolderExists  = "FOLDER_EXISTS"
	KindRenameFolder  = "RENAME_FOLDER"
	KindRenamedFolder = "RENAMED_FOLDER"
	KindEmptyTrash    = "EMPTY_TRASH"
	KindTrashEmptied  = "TRASH_EMPTIED"
	KindSaveDraft     = "SAVE_DRAFT"
	KindDraftSaved    = "DRAFT_SAVED"
	KindReadDraft     = "READ_DRAFT"
	KindDraftRead     = "DRAFT_READ"
	KindEditDraft     = "EDIT_DRAFT"
	KindDraftEdited   = "DRAFT_EDITED"
	KindSendDraft     = "SEND_DRAFT"
	KindDraftSent     = "DRAFT_SENT"
)

// Reasons in a RELAY_REJECTED envelope.
const (
	ReasonSpoof     = "spoof"
	ReasonRecipient = "recipient"
	ReasonStorage   = "storage"
	ReasonMalformed = "malformed"
)

// Envelope is a request or response. Only the fields relevant for a kind are
// set, all others are omitted from the encoded form.
type Envelope struct {
	Kind string `json:"kind"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	To          string            `json:"to,omitempty"`
	From        string            `json:"from,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Body        string            `json:"body,omitempty"`    // In RELAY.
	Content     string            `json:"content,omitempty"` // In client SEND and drafts.
	Attachments []json.RawMessage `json:"attachments,omitempty"`

	FolderID   string `json:"folder_id,omitempty"`
	FolderName string `json:"folder_name,omitempty"`
	NewFolder  string `json:"new_folder,omitempty"`
	MailID     string `json:"mail_id,omitempty"`

	Alias   string   `json:"alias,omitempty"` // Folder display name in GOT_FOLDER.
	Folders []Folder `json:"folders,omitempty"`
	Mail    *Mail    `json:"mail,omitempty"`

	Welcome     string `json:"welcome,omitempty"`
	WelcomeHTML string `json:"welcome_html,omitempty"`

	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Folder is a folder in a LOG_OK response.
type Folder struct {
	ID    string `json:"folder_id"`
	Alias string `json:"alias"`
}

// Mail is a message as shown to clients.
type Mail struct {
	ID          string            `json:"id"`
	To          string            `json:"to"`
	From        string            `json:"from"`
	Subject     string            `json:"subject"`
	Message     string            `json:"message,omitempty"` // Not in listings.
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	HasRead     bool              `json:"has_read"`
	SentAt      time.Time         `json:"sent_at"`
	Drafted     bool              `json:"drafted,omitempty"`
}

// Conn reads and writes envelopes on a connection. Reads and writes can happen
// concurrently, but not multiple reads or multiple writes.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	log  mlog.Log
}

// NewConn returns a new Conn reading and writing on nc.
func NewConn(nc net.Conn, log mlog.Log) *Conn {
	return &Conn{nc, bufio.NewReader(nc), log}
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Read reads the next envelope. An io.EOF is returned as is. Invalid JSON
// results in an error wrapping ErrMalformed, after which reading can continue.
func (c *Conn) Read() (Envelope, error) {
	line, err := readLine(c.r)
	if err != nil {
		return Envelope{}, err
	}
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	c.log.Trace("read envelope", slog.String("kind", e.Kind), slog.Int("size", len(line)))
	return e, nil
}

// Write writes e followed by a newline, as a single write.
func (c *Conn) Write(e Envelope) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	buf = append(buf, '\n')
	if len(buf) > MaxLineSize {
		return ErrLineTooLong
	}
	c.log.Trace("write envelope", slog.String("kind", e.Kind), slog.Int("size", len(buf)))
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// SetDeadline is like net.Conn.SetDeadline.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// readLine reads a line without the trailing newline. Empty lines are skipped.
func readLine(r *bufio.Reader) ([]byte, error) {
	for {
		var line []byte
		for {
			buf, err := r.ReadSlice('\n')
			if len(line)+len(buf) > MaxLineSize {
				return nil, ErrLineTooLong
			}
			line = append(line, buf...)
			if err == bufio.ErrBufferFull {
				continue
			} else if err == io.EOF && len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			} else if err != nil {
				return nil, err
			}
			break
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			return line, nil
		}
	}
}
