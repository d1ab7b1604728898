package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReconcile(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()

	keep, err := s.AppendMessage(ctxbg, "alice", Inbox, Message{Subject: "keep"})
	tcheck(t, err, "append")
	gone, err := s.AppendMessage(ctxbg, "alice", Inbox, Message{Subject: "gone"})
	tcheck(t, err, "append")

	adir := filepath.Join(s.Dir, "accounts", "alice")
	write := func(p string) {
		t.Helper()
		err := os.MkdirAll(filepath.Dir(p), 0770)
		tcheck(t, err, "mkdir")
		err = os.WriteFile(p, []byte("{}"), 0660)
		tcheck(t, err, "write")
	}

	// A copy left in the destination by an interrupted move, a temp file, a folder
	// directory without folder, and a missing file for an index entry.
	write(filepath.Join(adir, Spam, keep+".mdata"))
	write(filepath.Join(adir, Inbox, ".tmp-x.mdata-123"))
	write(filepath.Join(adir, "oldfolder", "x.mdata"))
	err = os.Remove(filepath.Join(adir, Inbox, gone+".mdata"))
	tcheck(t, err, "remove file")

	r, err := s.Reconcile(ctxbg, "alice")
	tcheck(t, err, "reconcile")
	tcompare(t, r, Reconciliation{User: "alice", OrphanFiles: 2, OrphanDirs: 1, DanglingRefs: 1})

	if _, err := os.Stat(filepath.Join(adir, Inbox, keep+".mdata")); err != nil {
		t.Fatalf("indexed message removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(adir, "oldfolder")); !os.IsNotExist(err) {
		t.Fatalf("orphan dir still present")
	}

	// Dangling entries are kept, never repaired by adding entries.
	ids := listIDs(t, s, "alice", Inbox)
	tcompare(t, ids, []string{keep})
	_, err = s.Message(ctxbg, "alice", Inbox, gone)
	if err == nil {
		t.Fatalf("reading message without file succeeded")
	}

	l, err := s.ReconcileAll(ctxbg)
	tcheck(t, err, "reconcile all")
	tcompare(t, len(l), 2)
	tcompare(t, l[0], Reconciliation{User: "alice", DanglingRefs: 1})
}
