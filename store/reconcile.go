package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mjl-/bstore"

	"github.com/dragonrelay/stellarmail/stellario"
)

// Reconciliation is the result of reconciling an account.
type Reconciliation struct {
	User         string
	OrphanFiles  int // Message and temporary files without index entry, removed.
	OrphanDirs   int // Directories without folder, removed.
	DanglingRefs int // Index entries without message file, only logged.
}

// Reconcile compares the folder index of a user with the files on disk. Files
// and folder directories not in the index are left behind by interrupted
// operations and are removed. Index entries without message file are logged but
// kept, the index is never extended.
func (s *Store) Reconcile(ctx context.Context, user string) (r Reconciliation, rerr error) {
	r.User = user
	rerr = s.withAccount(ctx, user, func(a *Account) error {
		folders := map[string]bool{}
		refs := map[string]map[string]bool{}
		err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
			err := bstore.QueryTx[Folder](tx).ForEach(func(f Folder) error {
				folders[f.ID] = true
				refs[f.ID] = map[string]bool{}
				return nil
			})
			if err != nil {
				return err
			}
			return bstore.QueryTx[MessageRef](tx).ForEach(func(mr MessageRef) error {
				refs[mr.FolderID][mr.UUID] = true
				return nil
			})
		})
		if err != nil {
			return fmt.Errorf("reading index: %w", err)
		}

		entries, err := os.ReadDir(a.Dir)
		if err != nil {
			return fmt.Errorf("reading account directory: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(a.Dir, e.Name())
			if !folders[e.Name()] {
				a.log.Info("removing orphan folder directory", slog.String("dir", dir))
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("removing orphan folder directory: %w", err)
				}
				r.OrphanDirs++
				continue
			}

			files, err := os.ReadDir(dir)
			if err != nil {
				return fmt.Errorf("reading folder directory: %w", err)
			}
			var removed bool
			for _, f := range files {
				name := f.Name()
				id, isMsg := strings.CutSuffix(name, ".mdata")
				if isMsg && !strings.HasPrefix(name, ".") && refs[e.Name()][id] {
					delete(refs[e.Name()], id)
					continue
				}
				p := filepath.Join(dir, name)
				a.log.Info("removing orphan file", slog.String("path", p))
				if err := os.RemoveAll(p); err != nil {
					return fmt.Errorf("removing orphan file: %w", err)
				}
				r.OrphanFiles++
				removed = true
			}
			if removed {
				if err := stellario.SyncDir(a.log, dir); err != nil {
					return err
				}
			}
		}
		if r.OrphanDirs > 0 {
			if err := stellario.SyncDir(a.log, a.Dir); err != nil {
				return err
			}
		}

		// What remains in refs has no file.
		for folder, ids := range refs {
			for id := range ids {
				a.log.Error("message in index without file", slog.String("folder", folder), slog.String("id", id))
				r.DanglingRefs++
			}
		}
		return nil
	})
	return
}

// ReconcileAll reconciles all users.
func (s *Store) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	names, err := s.UserNames(ctx)
	if err != nil {
		return nil, err
	}
	l := make([]Reconciliation, 0, len(names))
	for _, name := range names {
		r, err := s.Reconcile(ctx, name)
		if err != nil {
			return l, fmt.Errorf("reconciling %s: %w", name, err)
		}
		l = append(l, r)
	}
	return l, nil
}
