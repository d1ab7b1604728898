/*
Package store implements storage for users, their folders and messages.

Users, the domain blocklist and settings are stored in a bstore database
users.db in the data directory. Each user has a directory under accounts/ with
a bstore database index.db holding the folders and the ordered message index,
and a directory per folder holding one JSON file per message, named
<uuid>.mdata. The folder of a message is the directory holding its file.

Changes are ordered so a crash leaves at most an orphan message file, never an
index entry without a file. Orphans are removed by Reconcile.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/mjl-/bstore"

	"github.com/dragonrelay/stellarmail/address"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/stellario"
	"github.com/dragonrelay/stellarmail/stellarvar"
)

var pkglog = mlog.New("store", nil)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnknownUser    = fmt.Errorf("%w: unknown user", ErrNotFound)
	ErrUnknownFolder  = fmt.Errorf("%w: unknown folder", ErrNotFound)
	ErrUnknownMessage = fmt.Errorf("%w: unknown message", ErrNotFound)
	ErrAlreadyExists  = errors.New("already exists")
	ErrReserved       = errors.New("reserved folder")
	ErrSameFolder     = errors.New("source and destination folder are the same")
	ErrInvalidName    = errors.New("invalid name")
	ErrBadPassword    = errors.New("bad password")
)

// BcryptCost is used for new password hashes. Lowered in tests.
var BcryptCost = bcrypt.DefaultCost

// User is a local user. Name is the normalized user name, also the local part
// of its address and the directory name of the account.
type User struct {
	Name         string
	PasswordHash string
	Banned       bool
	Admin        bool
	Created      time.Time `bstore:"default now"`
}

// BlockedDomain is a sender domain from which relayed messages are dropped.
type BlockedDomain struct {
	Domain string // ASCII form, lower case.
}

// Settings holds runtime-changeable settings. There is a single record with ID 1.
type Settings struct {
	ID             int64
	WelcomeMessage string
}

// DBTypes are the types stored in users.db.
var DBTypes = []any{User{}, BlockedDomain{}, Settings{}}

// Store holds the users database and the open accounts.
type Store struct {
	Dir string     // Data directory.
	DB  *bstore.DB // users.db.
	log mlog.Log

	sync.Mutex // For accounts.
	accounts   map[string]*Account
}

// Open opens the store in data directory dir, creating the users database if
// it does not exist.
func Open(ctx context.Context, log mlog.Log, dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "accounts"), 0770); err != nil {
		return nil, fmt.Errorf("creating accounts dir: %w", err)
	}
	p := filepath.Join(dir, "users.db")
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: stellarvar.RegisterLogger(p, log.Logger)}
	db, err := bstore.Open(ctx, p, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open users database: %w", err)
	}
	return &Store{Dir: dir, DB: db, log: log.WithPkg("store"), accounts: map[string]*Account{}}, nil
}

// Close closes all accounts and the users database.
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	for name, a := range s.accounts {
		a.Lock()
		err := a.DB.Close()
		s.log.Check(err, "closing account database", slog.String("user", name))
		a.DB = nil
		a.closed = true
		a.Unlock()
		delete(s.accounts, name)
	}
	err := s.DB.Close()
	s.DB = nil
	return err
}

func (s *Store) accountDir(name string) string {
	return filepath.Join(s.Dir, "accounts", name)
}

// NormalizePassword applies the precis OpaqueString profile.
func NormalizePassword(password string) (string, error) {
	pw, err := precis.OpaqueString.String(password)
	if err != nil {
		return "", fmt.Errorf("normalizing password: %w", err)
	}
	return pw, nil
}

func hashPassword(password string) (string, error) {
	pw, err := NormalizePassword(password)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("generating password hash: %w", err)
	}
	return string(hash), nil
}

func checkName(name string) error {
	if n, err := address.NormalizeUsername(name); err != nil || n != name {
		return fmt.Errorf("%w: user name %q is not normalized", ErrInvalidName, name)
	}
	return nil
}

// CreateUser adds a new user with the reserved folders. The name must already be
// normalized.
func (s *Store) CreateUser(ctx context.Context, name, password string) (User, error) {
	if err := checkName(name); err != nil {
		return User{}, err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return User{}, err
	}
	u := User{Name: name, PasswordHash: hash}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Get(&User{Name: name}); err == nil {
			return fmt.Errorf("%w: user %q", ErrAlreadyExists, name)
		} else if err != bstore.ErrAbsent {
			return fmt.Errorf("looking up user: %w", err)
		}
		return tx.Insert(&u)
	})
	if err != nil {
		return User{}, err
	}

	// Initialize the account now so the reserved folders exist right away.
	a, err := s.OpenAccount(ctx, name)
	if err != nil {
		return User{}, fmt.Errorf("initializing account: %w", err)
	}
	err = a.Close()
	s.log.Check(err, "closing new account")
	s.log.Info("user created", slog.String("user", name))
	return u, nil
}

// User returns a user by name.
func (s *Store) User(ctx context.Context, name string) (User, error) {
	u := User{Name: name}
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		return tx.Get(&u)
	})
	if err == bstore.ErrAbsent {
		return User{}, fmt.Errorf("%w: %q", ErrUnknownUser, name)
	}
	return u, err
}

// Users returns all users, sorted by name.
func (s *Store) Users(ctx context.Context) (l []User, rerr error) {
	rerr = s.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		l, err = bstore.QueryTx[User](tx).SortAsc("Name").List()
		return err
	})
	return
}

func (s *Store) updateUser(ctx context.Context, name string, fn func(u *User) error) error {
	return s.DB.Write(ctx, func(tx *bstore.Tx) error {
		u := User{Name: name}
		if err := tx.Get(&u); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: %q", ErrUnknownUser, name)
		} else if err != nil {
			return err
		}
		if err := fn(&u); err != nil {
			return err
		}
		return tx.Update(&u)
	})
}

// SetPassword sets a new password for a user.
func (s *Store) SetPassword(ctx context.Context, name, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	err = s.updateUser(ctx, name, func(u *User) error {
		u.PasswordHash = hash
		return nil
	})
	if err == nil {
		s.log.Info("new password set for user", slog.String("user", name))
	}
	return err
}

// CheckPassword returns the user if password matches. A banned user is
// returned with a nil error, the caller must check User.Banned.
func (s *Store) CheckPassword(ctx context.Context, name, password string) (User, error) {
	u, err := s.User(ctx, name)
	if err != nil {
		return User{}, err
	}
	pw, err := NormalizePassword(password)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrBadPassword, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(pw)); err != nil {
		return User{}, ErrBadPassword
	}
	return u, nil
}

// SetBanned sets or clears the banned flag of a user.
func (s *Store) SetBanned(ctx context.Context, name string, banned bool) error {
	return s.updateUser(ctx, name, func(u *User) error {
		u.Banned = banned
		return nil
	})
}

// SetAdmin sets or clears the admin flag of a user.
func (s *Store) SetAdmin(ctx context.Context, name string, admin bool) error {
	return s.updateUser(ctx, name, func(u *User) error {
		u.Admin = admin
		return nil
	})
}

// RemoveUser removes a user with all folders and messages.
func (s *Store) RemoveUser(ctx context.Context, name string) error {
	s.Lock()
	defer s.Unlock()

	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		err := tx.Delete(&User{Name: name})
		if err == bstore.ErrAbsent {
			return fmt.Errorf("%w: %q", ErrUnknownUser, name)
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := s.dropAccountLocked(name); err != nil {
		return err
	}
	s.log.Info("user removed", slog.String("user", name))
	return nil
}

// ResetUser removes all folders and messages of a user and clears the banned
// and admin flags. The password is kept. The account is re-created with only
// the reserved folders.
func (s *Store) ResetUser(ctx context.Context, name string) error {
	err := s.updateUser(ctx, name, func(u *User) error {
		u.Banned = false
		u.Admin = false
		return nil
	})
	if err != nil {
		return err
	}

	s.Lock()
	err = s.dropAccountLocked(name)
	s.Unlock()
	if err != nil {
		return err
	}
	a, err := s.OpenAccount(ctx, name)
	if err != nil {
		return fmt.Errorf("re-creating account: %w", err)
	}
	err = a.Close()
	s.log.Check(err, "closing reset account")
	s.log.Info("user reset", slog.String("user", name))
	return nil
}

// dropAccountLocked closes the account if open, and removes its directory.
// Other holders of the account get ErrUnknownUser on their next operation.
// Must be called with s locked.
func (s *Store) dropAccountLocked(name string) error {
	if a, ok := s.accounts[name]; ok {
		a.Lock()
		err := a.DB.Close()
		s.log.Check(err, "closing account database", slog.String("user", name))
		a.DB = nil
		a.closed = true
		a.Unlock()
		delete(s.accounts, name)
	}
	if err := os.RemoveAll(s.accountDir(name)); err != nil {
		return fmt.Errorf("removing account directory: %w", err)
	}
	return stellario.SyncDir(s.log, filepath.Join(s.Dir, "accounts"))
}

// UserNames returns all user names, sorted.
func (s *Store) UserNames(ctx context.Context) ([]string, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}
	l := make([]string, len(users))
	for i, u := range users {
		l[i] = u.Name
	}
	slices.Sort(l)
	return l, nil
}
