package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-/bstore"

	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/stellario"
	"github.com/dragonrelay/stellarmail/stellarvar"
)

// Reserved folder ids. These folders always exist for a user.
const (
	Inbox = "inbox"
	Draft = "draft"
	Sent  = "sent"
	Spam  = "spam"
	Trash = "trash"
)

// ReservedFolders are created for each new account, in listing order.
var ReservedFolders = []Folder{
	{ID: Inbox, DisplayName: "Inbox", Reserved: true},
	{ID: Draft, DisplayName: "Draft", Reserved: true},
	{ID: Sent, DisplayName: "Sent", Reserved: true},
	{ID: Spam, DisplayName: "Spam", Reserved: true},
	{ID: Trash, DisplayName: "Trash", Reserved: true},
}

// IsReserved returns whether id is one of the reserved folders.
func IsReserved(id string) bool {
	return slices.ContainsFunc(ReservedFolders, func(f Folder) bool { return f.ID == id })
}

// Folder is a folder of a user. The ID is also the directory name.
type Folder struct {
	ID          string
	DisplayName string
	Reserved    bool
}

// MessageRef places a message in a folder. The messages of a folder are its refs
// in ascending ID order, so a message moved into a folder is placed at the end.
type MessageRef struct {
	ID       int64
	UUID     string `bstore:"nonzero,unique"`
	FolderID string `bstore:"nonzero,ref Folder"`
}

// AccountDBTypes are the types stored in an index.db.
var AccountDBTypes = []any{Folder{}, MessageRef{}}

// Message is a message as stored in its <uuid>.mdata file. Only the read flag
// changes after delivery, drafts are rewritten as a whole.
type Message struct {
	ID          string            `json:"-"` // From the file name.
	To          string            `json:"to"`
	From        string            `json:"from"`
	Subject     string            `json:"subject"`
	Body        string            `json:"message"`
	Attachments []json.RawMessage `json:"attachments"`
	Read        bool              `json:"has_read"`
	SentAt      time.Time         `json:"sent_at"`
	Draft       bool              `json:"drafted"`
}

// Summary is a message in a folder listing.
type Summary struct {
	ID      string
	To      string
	From    string
	Subject string
	SentAt  time.Time
	Read    bool
}

// Account holds the open index database of a user. The mutex serializes all
// operations on the folders and messages of the user.
type Account struct {
	Name string
	Dir  string
	DB   *bstore.DB
	log  mlog.Log

	sync.Mutex
	closed bool // Set when the account was removed or the store closed.

	store *Store
	nused int // Reference count, protected by the store mutex.
}

// OpenAccount returns the account of an existing user, initializing it if
// needed. A single shared account exists per name. Close must be called when
// done.
func (s *Store) OpenAccount(ctx context.Context, name string) (*Account, error) {
	s.Lock()
	defer s.Unlock()
	if s.DB == nil {
		return nil, errors.New("store is closed")
	}
	if a, ok := s.accounts[name]; ok {
		a.nused++
		return a, nil
	}

	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		return tx.Get(&User{Name: name})
	})
	if err == bstore.ErrAbsent {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, name)
	} else if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	a, err := s.openAccount(ctx, name)
	if err != nil {
		return nil, err
	}
	a.nused++
	s.accounts[name] = a
	return a, nil
}

// openAccount opens the index database, creating and initializing the account
// if it does not exist yet.
func (s *Store) openAccount(ctx context.Context, name string) (a *Account, rerr error) {
	dir := s.accountDir(name)
	dbpath := filepath.Join(dir, "index.db")

	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
		if err := os.MkdirAll(dir, 0770); err != nil {
			return nil, fmt.Errorf("creating account directory: %w", err)
		}
	}

	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: stellarvar.RegisterLogger(dbpath, s.log.Logger)}
	db, err := bstore.Open(ctx, dbpath, &opts, AccountDBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open account database: %w", err)
	}

	defer func() {
		if rerr != nil {
			err := db.Close()
			s.log.Check(err, "closing account database after error")
			if isNew {
				err := os.Remove(dbpath)
				s.log.Check(err, "removing new account database after error")
			}
		}
	}()

	a = &Account{
		Name:  name,
		Dir:   dir,
		DB:    db,
		log:   s.log.With(slog.String("user", name)),
		store: s,
	}
	if isNew {
		if err := a.init(ctx); err != nil {
			return nil, fmt.Errorf("initializing account: %w", err)
		}
	}
	return a, nil
}

func (a *Account) init(ctx context.Context) error {
	for _, f := range ReservedFolders {
		if err := os.MkdirAll(filepath.Join(a.Dir, f.ID), 0770); err != nil {
			return fmt.Errorf("creating folder directory: %w", err)
		}
	}
	if err := stellario.SyncDir(a.log, a.Dir); err != nil {
		return err
	}
	return a.DB.Write(ctx, func(tx *bstore.Tx) error {
		for _, f := range ReservedFolders {
			if err := tx.Insert(&f); err != nil {
				return fmt.Errorf("inserting folder: %w", err)
			}
		}
		return nil
	})
}

// Close reduces the reference count, and closes the database when it was the
// last user.
func (a *Account) Close() error {
	s := a.store
	s.Lock()
	defer s.Unlock()
	a.nused--
	if a.nused > 0 {
		return nil
	}
	if s.accounts[a.Name] == a {
		delete(s.accounts, a.Name)
	}
	a.Lock()
	defer a.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	err := a.DB.Close()
	a.DB = nil
	return err
}

// withAccount runs fn with the account of user opened and locked.
func (s *Store) withAccount(ctx context.Context, user string, fn func(a *Account) error) error {
	a, err := s.OpenAccount(ctx, user)
	if err != nil {
		return err
	}
	defer func() {
		err := a.Close()
		s.log.Check(err, "closing account", slog.String("user", user))
	}()

	a.Lock()
	defer a.Unlock()
	if a.closed {
		return fmt.Errorf("%w: %q", ErrUnknownUser, user)
	}
	return fn(a)
}

func checkFolderID(id string) error {
	if id == "" || len(id) > 64 {
		return fmt.Errorf("%w: folder id must be 1 to 64 characters", ErrInvalidName)
	}
	for _, c := range id {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return fmt.Errorf("%w: folder id %q can only have a-z, 0-9, - and _", ErrInvalidName, id)
		}
	}
	return nil
}

func checkMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil || strings.ToLower(id) != id || len(id) != 36 {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, id)
	}
	return nil
}

func (a *Account) messagePath(folder, id string) string {
	return filepath.Join(a.Dir, folder, id+".mdata")
}

func folderGet(tx *bstore.Tx, id string) (Folder, error) {
	f := Folder{ID: id}
	if err := tx.Get(&f); err == bstore.ErrAbsent {
		return Folder{}, fmt.Errorf("%w: %q", ErrUnknownFolder, id)
	} else if err != nil {
		return Folder{}, fmt.Errorf("looking up folder: %w", err)
	}
	return f, nil
}

func refGet(tx *bstore.Tx, folder, id string) (MessageRef, error) {
	if _, err := folderGet(tx, folder); err != nil {
		return MessageRef{}, err
	}
	ref, err := bstore.QueryTx[MessageRef](tx).FilterNonzero(MessageRef{UUID: id, FolderID: folder}).Get()
	if err == bstore.ErrAbsent {
		return MessageRef{}, fmt.Errorf("%w: %q in folder %q", ErrUnknownMessage, id, folder)
	} else if err != nil {
		return MessageRef{}, fmt.Errorf("looking up message: %w", err)
	}
	return ref, nil
}

func readMessageFile(p, id string) (Message, error) {
	buf, err := os.ReadFile(p)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(buf, &m); err != nil {
		return Message{}, fmt.Errorf("parsing message file: %w", err)
	}
	m.ID = id
	return m, nil
}

func (a *Account) writeMessageFile(folder string, m Message) error {
	if m.Attachments == nil {
		m.Attachments = []json.RawMessage{}
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return stellario.WriteFileSync(a.log, a.messagePath(folder, m.ID), buf)
}

// CreateFolder adds a new folder for user. The display name defaults to the id.
func (s *Store) CreateFolder(ctx context.Context, user, id, displayName string) (Folder, error) {
	if err := checkFolderID(id); err != nil {
		return Folder{}, err
	}
	if displayName == "" {
		displayName = id
	}
	f := Folder{ID: id, DisplayName: displayName}
	err := s.withAccount(ctx, user, func(a *Account) error {
		err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
			_, err := folderGet(tx, id)
			if err == nil {
				return fmt.Errorf("%w: folder %q", ErrAlreadyExists, id)
			} else if !errors.Is(err, ErrUnknownFolder) {
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}

		// The directory may already exist after a crash, any files in it are orphans.
		if err := os.Mkdir(filepath.Join(a.Dir, id), 0770); err != nil && !os.IsExist(err) {
			return fmt.Errorf("creating folder directory: %w", err)
		}
		if err := stellario.SyncDir(a.log, a.Dir); err != nil {
			return err
		}
		return a.DB.Write(ctx, func(tx *bstore.Tx) error {
			return tx.Insert(&f)
		})
	})
	if err != nil {
		return Folder{}, err
	}
	return f, nil
}

// RenameFolder changes the display name of a folder. The id does not change. The
// new name cannot be the id or display name of another folder.
func (s *Store) RenameFolder(ctx context.Context, user, id, newName string) error {
	if strings.TrimSpace(newName) == "" {
		return fmt.Errorf("%w: empty folder name", ErrInvalidName)
	}
	return s.withAccount(ctx, user, func(a *Account) error {
		return a.DB.Write(ctx, func(tx *bstore.Tx) error {
			f, err := folderGet(tx, id)
			if err != nil {
				return err
			}
			exists, err := bstore.QueryTx[Folder](tx).FilterFn(func(o Folder) bool {
				return o.ID != id && (strings.EqualFold(o.DisplayName, newName) || strings.EqualFold(o.ID, newName))
			}).Exists()
			if err != nil {
				return err
			} else if exists {
				return fmt.Errorf("%w: folder named %q", ErrAlreadyExists, newName)
			}
			f.DisplayName = newName
			return tx.Update(&f)
		})
	})
}

// DeleteFolder removes a folder with all its messages. Reserved folders cannot
// be removed.
func (s *Store) DeleteFolder(ctx context.Context, user, id string) error {
	if IsReserved(id) {
		return fmt.Errorf("%w: %q", ErrReserved, id)
	}
	return s.withAccount(ctx, user, func(a *Account) error {
		var n int
		err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
			f, err := folderGet(tx, id)
			if err != nil {
				return err
			}
			n, err = bstore.QueryTx[MessageRef](tx).FilterNonzero(MessageRef{FolderID: id}).Delete()
			if err != nil {
				return fmt.Errorf("removing messages from index: %w", err)
			}
			return tx.Delete(&f)
		})
		if err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(a.Dir, id)); err != nil {
			return fmt.Errorf("removing folder directory: %w", err)
		}
		a.log.Debug("folder removed", slog.String("folder", id), slog.Int("messages", n))
		return stellario.SyncDir(a.log, a.Dir)
	})
}

// ListFolders returns the folders of a user, reserved folders first.
func (s *Store) ListFolders(ctx context.Context, user string) (l []Folder, rerr error) {
	rerr = s.withAccount(ctx, user, func(a *Account) error {
		return a.DB.Read(ctx, func(tx *bstore.Tx) error {
			var err error
			l, err = bstore.QueryTx[Folder](tx).List()
			return err
		})
	})
	order := func(f Folder) int {
		i := slices.IndexFunc(ReservedFolders, func(r Folder) bool { return r.ID == f.ID })
		if i < 0 {
			return len(ReservedFolders)
		}
		return i
	}
	slices.SortFunc(l, func(a, b Folder) int {
		if c := cmp.Compare(order(a), order(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return
}

// AppendMessage stores m at the end of a folder, with a new id, which is
// returned. SentAt is set to the current time if zero.
func (s *Store) AppendMessage(ctx context.Context, user, folder string, m Message) (id string, rerr error) {
	rerr = s.withAccount(ctx, user, func(a *Account) error {
		var err error
		id, err = a.appendMessage(ctx, folder, m)
		return err
	})
	return
}

func (a *Account) appendMessage(ctx context.Context, folder string, m Message) (string, error) {
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		_, err := folderGet(tx, folder)
		return err
	})
	if err != nil {
		return "", err
	}

	m.ID = uuid.NewString()
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	// File first, then the index. A crash in between leaves an orphan file.
	if err := a.writeMessageFile(folder, m); err != nil {
		return "", fmt.Errorf("writing message file: %w", err)
	}
	err = a.DB.Write(ctx, func(tx *bstore.Tx) error {
		return tx.Insert(&MessageRef{UUID: m.ID, FolderID: folder})
	})
	if err != nil {
		xerr := os.Remove(a.messagePath(folder, m.ID))
		a.log.Check(xerr, "removing message file after failed index insert")
		return "", fmt.Errorf("adding message to index: %w", err)
	}
	a.log.Debug("message appended", slog.String("folder", folder), slog.String("id", m.ID))
	return m.ID, nil
}

// MoveMessage moves a message to the end of another folder.
func (s *Store) MoveMessage(ctx context.Context, user, from, to, id string) error {
	if from == to {
		return fmt.Errorf("%w: %q", ErrSameFolder, from)
	}
	if err := checkMessageID(id); err != nil {
		return err
	}
	return s.withAccount(ctx, user, func(a *Account) error {
		return a.moveMessage(ctx, from, to, id)
	})
}

func (a *Account) moveMessage(ctx context.Context, from, to, id string) error {
	var ref MessageRef
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		if _, err := folderGet(tx, to); err != nil {
			return err
		}
		var err error
		ref, err = refGet(tx, from, id)
		return err
	})
	if err != nil {
		return err
	}

	src := a.messagePath(from, id)
	dst := a.messagePath(to, id)
	err = stellario.LinkOrCopy(a.log, dst, src)
	if err != nil && os.IsExist(err) {
		// Orphan from an interrupted earlier move, the index has the message in "from".
		a.log.Info("removing orphan message file in destination folder", slog.String("path", dst))
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("removing orphan message file: %w", err)
		}
		err = stellario.LinkOrCopy(a.log, dst, src)
	}
	if err != nil {
		return fmt.Errorf("linking message into destination folder: %w", err)
	}
	removeDst := func() {
		err := os.Remove(dst)
		a.log.Check(err, "removing message file from destination after error")
	}
	if err := stellario.SyncDir(a.log, filepath.Dir(dst)); err != nil {
		removeDst()
		return err
	}

	err = a.DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Delete(&ref); err != nil {
			return err
		}
		return tx.Insert(&MessageRef{UUID: id, FolderID: to})
	})
	if err != nil {
		removeDst()
		return fmt.Errorf("updating index for move: %w", err)
	}

	// The move is done, a failure below only leaves an orphan in the source folder.
	if err := os.Remove(src); err != nil {
		a.log.Errorx("removing message file from source folder", err, slog.String("path", src))
	} else {
		err := stellario.SyncDir(a.log, filepath.Dir(src))
		a.log.Check(err, "syncing source folder after move")
	}
	a.log.Debug("message moved", slog.String("from", from), slog.String("to", to), slog.String("id", id))
	return nil
}

func (a *Account) hardDelete(ctx context.Context, folder, id string) error {
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		ref, err := refGet(tx, folder, id)
		if err != nil {
			return err
		}
		return tx.Delete(&ref)
	})
	if err != nil {
		return err
	}
	p := a.messagePath(folder, id)
	if err := os.Remove(p); err != nil {
		a.log.Errorx("removing message file", err, slog.String("path", p))
		return nil
	}
	return stellario.SyncDir(a.log, filepath.Dir(p))
}

// DeleteMessage moves a message to the trash. When already in the trash, the
// message is removed permanently.
func (s *Store) DeleteMessage(ctx context.Context, user, folder, id string) error {
	if err := checkMessageID(id); err != nil {
		return err
	}
	return s.withAccount(ctx, user, func(a *Account) error {
		if folder == Trash {
			return a.hardDelete(ctx, folder, id)
		}
		return a.moveMessage(ctx, folder, Trash, id)
	})
}

// RemoveMessage permanently removes a message from any folder, returning it.
func (s *Store) RemoveMessage(ctx context.Context, user, folder, id string) (m Message, rerr error) {
	if err := checkMessageID(id); err != nil {
		return Message{}, err
	}
	rerr = s.withAccount(ctx, user, func(a *Account) error {
		var err error
		m, err = a.message(ctx, folder, id)
		if err != nil {
			return err
		}
		return a.hardDelete(ctx, folder, id)
	})
	return
}

// EmptyTrash permanently removes all messages in the trash, returning the number
// of removed messages.
func (s *Store) EmptyTrash(ctx context.Context, user string) (n int, rerr error) {
	rerr = s.withAccount(ctx, user, func(a *Account) error {
		var refs []MessageRef
		err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
			q := bstore.QueryTx[MessageRef](tx).FilterNonzero(MessageRef{FolderID: Trash})
			q.Gather(&refs)
			var err error
			n, err = q.Delete()
			return err
		})
		if err != nil {
			return fmt.Errorf("removing trash from index: %w", err)
		}
		for _, r := range refs {
			p := a.messagePath(Trash, r.UUID)
			err := os.Remove(p)
			a.log.Check(err, "removing message file from trash", slog.String("path", p))
		}
		return stellario.SyncDir(a.log, filepath.Join(a.Dir, Trash))
	})
	return
}

func (a *Account) message(ctx context.Context, folder, id string) (Message, error) {
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		_, err := refGet(tx, folder, id)
		return err
	})
	if err != nil {
		return Message{}, err
	}
	m, err := readMessageFile(a.messagePath(folder, id), id)
	if err != nil {
		return Message{}, fmt.Errorf("reading message: %w", err)
	}
	return m, nil
}

// Message returns a message without changing its read flag.
func (s *Store) Message(ctx context.Context, user, folder, id string) (m Message, rerr error) {
	if err := checkMessageID(id); err != nil {
		return Message{}, err
	}
	rerr = s.withAccount(ctx, user, func(a *Account) error {
		var err error
		m, err = a.message(ctx, folder, id)
		return err
	})
	return
}

// MarkRead sets the read flag of a message and returns it.
func (s *Store) MarkRead(ctx context.Context, user, folder, id string) (m Message, rerr error) {
	if err := checkMessageID(id); err != nil {
		return Message{}, err
	}
	rerr = s.withAccount(ctx, user, func(a *Account) error {
		var err error
		m, err = a.message(ctx, folder, id)
		if err != nil || m.Read {
			return err
		}
		m.Read = true
		if err := a.writeMessageFile(folder, m); err != nil {
			return fmt.Errorf("rewriting message file: %w", err)
		}
		return nil
	})
	return
}

// ReplaceDraft rewrites a draft with new contents, keeping its id.
func (s *Store) ReplaceDraft(ctx context.Context, user, id string, m Message) error {
	if err := checkMessageID(id); err != nil {
		return err
	}
	return s.withAccount(ctx, user, func(a *Account) error {
		if _, err := a.message(ctx, Draft, id); err != nil {
			return err
		}
		m.ID = id
		m.Draft = true
		m.Read = false
		if m.SentAt.IsZero() {
			m.SentAt = time.Now()
		}
		if err := a.writeMessageFile(Draft, m); err != nil {
			return fmt.Errorf("rewriting draft: %w", err)
		}
		return nil
	})
}

// ListMessages calls fn for each message in a folder, in folder order. The
// folder index is read at the start, messages moved away while iterating are
// skipped. An error from fn stops the iteration and is returned.
func (s *Store) ListMessages(ctx context.Context, user, folder string, fn func(Summary) error) error {
	var refs []MessageRef
	err := s.withAccount(ctx, user, func(a *Account) error {
		return a.DB.Read(ctx, func(tx *bstore.Tx) error {
			if _, err := folderGet(tx, folder); err != nil {
				return err
			}
			var err error
			refs, err = bstore.QueryTx[MessageRef](tx).FilterNonzero(MessageRef{FolderID: folder}).SortAsc("ID").List()
			return err
		})
	})
	if err != nil {
		return err
	}

	dir := filepath.Join(s.accountDir(user), folder)
	for _, r := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := readMessageFile(filepath.Join(dir, r.UUID+".mdata"), r.UUID)
		if err != nil && errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("reading message %s: %w", r.UUID, err)
		}
		sum := Summary{m.ID, m.To, m.From, m.Subject, m.SentAt, m.Read}
		if err := fn(sum); err != nil {
			return err
		}
	}
	return nil
}
