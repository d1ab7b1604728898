package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func listIDs(t *testing.T, s *Store, user, folder string) []string {
	t.Helper()
	l := []string{}
	err := s.ListMessages(ctxbg, user, folder, func(sum Summary) error {
		l = append(l, sum.ID)
		return nil
	})
	tcheck(t, err, "list messages")
	return l
}

// fileIDs returns the message ids stored in the directory of a folder.
func fileIDs(t *testing.T, s *Store, user, folder string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.Dir, "accounts", user, folder))
	tcheck(t, err, "read folder dir")
	l := []string{}
	for _, e := range entries {
		if id, ok := strings.CutSuffix(e.Name(), ".mdata"); ok {
			l = append(l, id)
		}
	}
	return l
}

// checkConsistent verifies that for all folders of a user, the index and the
// files on disk are the same set, and a message is in one folder only.
func checkConsistent(t *testing.T, s *Store, user string) {
	t.Helper()
	folders, err := s.ListFolders(ctxbg, user)
	tcheck(t, err, "list folders")
	seen := map[string]string{}
	for _, f := range folders {
		index := listIDs(t, s, user, f.ID)
		files := fileIDs(t, s, user, f.ID)
		slices.Sort(files)
		sorted := slices.Clone(index)
		slices.Sort(sorted)
		if !slices.Equal(sorted, files) {
			t.Fatalf("folder %s: index %v, files %v", f.ID, sorted, files)
		}
		for _, id := range index {
			if prev, ok := seen[id]; ok {
				t.Fatalf("message %s in folders %s and %s", id, prev, f.ID)
			}
			seen[id] = f.ID
		}
	}
}

func TestMessageRoundtrip(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()

	m := Message{
		To:          "alice@a.example",
		From:        "bob@b.example",
		Subject:     "hi",
		Body:        "hello",
		Attachments: []json.RawMessage{json.RawMessage(`{"name":"x.txt","data":"aGk="}`)},
		SentAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	id, err := s.AppendMessage(ctxbg, "alice", Inbox, m)
	tcheck(t, err, "append")
	m.ID = id

	var sums []Summary
	err = s.ListMessages(ctxbg, "alice", Inbox, func(sum Summary) error {
		sums = append(sums, sum)
		return nil
	})
	tcheck(t, err, "list")
	tcompare(t, sums, []Summary{{id, m.To, m.From, m.Subject, m.SentAt, false}})

	got, err := s.Message(ctxbg, "alice", Inbox, id)
	tcheck(t, err, "message")
	tcompare(t, got, m)

	got, err = s.MarkRead(ctxbg, "alice", Inbox, id)
	tcheck(t, err, "mark read")
	m.Read = true
	tcompare(t, got, m)
	got, err = s.Message(ctxbg, "alice", Inbox, id)
	tcheck(t, err, "message after markread")
	tcompare(t, got, m)

	_, err = s.MarkRead(ctxbg, "alice", Sent, id)
	terr(t, err, ErrUnknownMessage)
	_, err = s.MarkRead(ctxbg, "alice", "nope", id)
	terr(t, err, ErrUnknownFolder)
	_, err = s.MarkRead(ctxbg, "alice", Inbox, "../../bob/inbox/x")
	terr(t, err, ErrNotFound)
	_, err = s.AppendMessage(ctxbg, "alice", "nope", m)
	terr(t, err, ErrUnknownFolder)
	_, err = s.AppendMessage(ctxbg, "nobody", Inbox, m)
	terr(t, err, ErrUnknownUser)
}

func TestFolders(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()

	for _, f := range ReservedFolders {
		terr(t, s.DeleteFolder(ctxbg, "alice", f.ID), ErrReserved)
		_, err := s.CreateFolder(ctxbg, "alice", f.ID, "x")
		terr(t, err, ErrAlreadyExists)
	}
	_, err := s.CreateFolder(ctxbg, "alice", "../x", "x")
	terr(t, err, ErrInvalidName)
	_, err = s.CreateFolder(ctxbg, "alice", "index.db", "x")
	terr(t, err, ErrInvalidName)

	f, err := s.CreateFolder(ctxbg, "alice", "work", "")
	tcheck(t, err, "create folder")
	tcompare(t, f, Folder{ID: "work", DisplayName: "work"})
	_, err = s.CreateFolder(ctxbg, "alice", "work", "Work")
	terr(t, err, ErrAlreadyExists)
	_, err = s.CreateFolder(ctxbg, "alice", "aaa", "AAA")
	tcheck(t, err, "create folder")

	// Renames cannot collide with other folders.
	terr(t, s.RenameFolder(ctxbg, "alice", "work", "inbox"), ErrAlreadyExists)
	terr(t, s.RenameFolder(ctxbg, "alice", "work", "Trash"), ErrAlreadyExists)
	terr(t, s.RenameFolder(ctxbg, "alice", "inbox", "aaa"), ErrAlreadyExists)
	terr(t, s.RenameFolder(ctxbg, "alice", "missing", "x"), ErrUnknownFolder)
	terr(t, s.RenameFolder(ctxbg, "alice", "work", " "), ErrInvalidName)
	tcheck(t, s.RenameFolder(ctxbg, "alice", "work", "Work stuff"), "rename")
	tcheck(t, s.RenameFolder(ctxbg, "alice", "inbox", "Incoming"), "rename reserved display name")

	folders, err := s.ListFolders(ctxbg, "alice")
	tcheck(t, err, "list folders")
	exp := slices.Clone(ReservedFolders)
	exp[0].DisplayName = "Incoming"
	exp = append(exp, Folder{ID: "aaa", DisplayName: "AAA"}, Folder{ID: "work", DisplayName: "Work stuff"})
	tcompare(t, folders, exp)

	terr(t, s.DeleteFolder(ctxbg, "alice", "missing"), ErrUnknownFolder)
}

func TestMoveDelete(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.AppendMessage(ctxbg, "alice", Inbox, Message{Subject: fmt.Sprintf("m%d", i)})
		tcheck(t, err, "append")
		ids = append(ids, id)
	}
	tcompare(t, listIDs(t, s, "alice", Inbox), ids)

	terr(t, s.MoveMessage(ctxbg, "alice", Inbox, Inbox, ids[0]), ErrSameFolder)
	terr(t, s.MoveMessage(ctxbg, "alice", Sent, Spam, ids[0]), ErrUnknownMessage)
	terr(t, s.MoveMessage(ctxbg, "alice", Inbox, "nope", ids[0]), ErrUnknownFolder)

	// Moved messages go to the end of the destination.
	tcheck(t, s.MoveMessage(ctxbg, "alice", Inbox, Spam, ids[1]), "move")
	tcheck(t, s.MoveMessage(ctxbg, "alice", Inbox, Spam, ids[0]), "move")
	tcompare(t, listIDs(t, s, "alice", Spam), []string{ids[1], ids[0]})
	tcompare(t, listIDs(t, s, "alice", Inbox), []string{ids[2]})
	checkConsistent(t, s, "alice")

	// Soft delete moves to trash, deleting from trash is permanent.
	tcheck(t, s.DeleteMessage(ctxbg, "alice", Spam, ids[0]), "soft delete")
	tcompare(t, listIDs(t, s, "alice", Trash), []string{ids[0]})
	tcheck(t, s.DeleteMessage(ctxbg, "alice", Trash, ids[0]), "hard delete")
	tcompare(t, listIDs(t, s, "alice", Trash), []string{})
	terr(t, s.DeleteMessage(ctxbg, "alice", Trash, ids[0]), ErrUnknownMessage)
	checkConsistent(t, s, "alice")

	tcheck(t, s.DeleteMessage(ctxbg, "alice", Spam, ids[1]), "soft delete")
	tcheck(t, s.DeleteMessage(ctxbg, "alice", Inbox, ids[2]), "soft delete")
	n, err := s.EmptyTrash(ctxbg, "alice")
	tcheck(t, err, "empty trash")
	tcompare(t, n, 2)
	tcompare(t, fileIDs(t, s, "alice", Trash), []string{})
	checkConsistent(t, s, "alice")
}

// Moving into a new folder and deleting that folder leaves nothing behind.
func TestDeleteFolderWithMessages(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()

	id, err := s.AppendMessage(ctxbg, "alice", Inbox, Message{Subject: "project plan"})
	tcheck(t, err, "append")
	_, err = s.CreateFolder(ctxbg, "alice", "projects", "Projects")
	tcheck(t, err, "create folder")
	tcheck(t, s.MoveMessage(ctxbg, "alice", Inbox, "projects", id), "move")
	tcheck(t, s.DeleteFolder(ctxbg, "alice", "projects"), "delete folder")

	folders, err := s.ListFolders(ctxbg, "alice")
	tcheck(t, err, "list folders")
	tcompare(t, folders, ReservedFolders)
	if _, err := os.Stat(filepath.Join(s.Dir, "accounts", "alice", "projects")); !os.IsNotExist(err) {
		t.Fatalf("folder dir still present: %v", err)
	}
	err = filepath.WalkDir(filepath.Join(s.Dir, "accounts", "alice"), func(p string, d os.DirEntry, err error) error {
		if strings.Contains(p, id) {
			return fmt.Errorf("message file left at %s", p)
		}
		return err
	})
	tcheck(t, err, "walk account")
	_, err = s.Message(ctxbg, "alice", Inbox, id)
	terr(t, err, ErrNotFound)
}

func TestDrafts(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()

	id, err := s.AppendMessage(ctxbg, "alice", Draft, Message{To: "bob@b.example", Subject: "draft", Draft: true})
	tcheck(t, err, "save draft")
	err = s.ReplaceDraft(ctxbg, "alice", id, Message{To: "carol@c.example", Subject: "edited", Body: "text"})
	tcheck(t, err, "replace draft")
	m, err := s.Message(ctxbg, "alice", Draft, id)
	tcheck(t, err, "read draft")
	if m.To != "carol@c.example" || m.Subject != "edited" || !m.Draft || m.ID != id {
		t.Fatalf("unexpected draft %#v", m)
	}

	inboxID, err := s.AppendMessage(ctxbg, "alice", Inbox, Message{})
	tcheck(t, err, "append")
	terr(t, s.ReplaceDraft(ctxbg, "alice", inboxID, Message{}), ErrUnknownMessage)

	m, err = s.RemoveMessage(ctxbg, "alice", Draft, id)
	tcheck(t, err, "remove draft")
	tcompare(t, m.Subject, "edited")
	tcompare(t, listIDs(t, s, "alice", Draft), []string{})
	checkConsistent(t, s, "alice")
}

// Random operation sequences keep index and files equal.
func TestConsistencyRandom(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()

	_, err := s.CreateFolder(ctxbg, "alice", "extra", "Extra")
	tcheck(t, err, "create folder")
	folders := []string{Inbox, Sent, Spam, Trash, "extra"}
	where := map[string]string{}
	r := rand.New(rand.NewSource(1))

	pick := func() (string, string, bool) {
		if len(where) == 0 {
			return "", "", false
		}
		keys := make([]string, 0, len(where))
		for id := range where {
			keys = append(keys, id)
		}
		slices.Sort(keys)
		id := keys[r.Intn(len(keys))]
		return id, where[id], true
	}

	for i := 0; i < 60; i++ {
		switch r.Intn(4) {
		case 0:
			f := folders[r.Intn(len(folders))]
			id, err := s.AppendMessage(ctxbg, "alice", f, Message{Subject: fmt.Sprint(i)})
			tcheck(t, err, "append")
			where[id] = f
		case 1:
			id, from, ok := pick()
			if !ok {
				continue
			}
			to := folders[r.Intn(len(folders))]
			err := s.MoveMessage(ctxbg, "alice", from, to, id)
			if from == to {
				terr(t, err, ErrSameFolder)
			} else {
				tcheck(t, err, "move")
				where[id] = to
			}
		case 2:
			id, from, ok := pick()
			if !ok {
				continue
			}
			tcheck(t, s.DeleteMessage(ctxbg, "alice", from, id), "delete")
			if from == Trash {
				delete(where, id)
			} else {
				where[id] = Trash
			}
		case 3:
			if r.Intn(3) == 0 {
				_, err := s.EmptyTrash(ctxbg, "alice")
				tcheck(t, err, "empty trash")
				for id, f := range where {
					if f == Trash {
						delete(where, id)
					}
				}
			}
		}
		checkConsistent(t, s, "alice")
	}
}

func TestListMessagesStop(t *testing.T) {
	s, cleanup := setup(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctxbg, "alice", Inbox, Message{})
		tcheck(t, err, "append")
	}
	errStop := errors.New("stop")
	n := 0
	err := s.ListMessages(ctxbg, "alice", Inbox, func(Summary) error {
		n++
		return errStop
	})
	terr(t, err, errStop)
	tcompare(t, n, 1)
}
