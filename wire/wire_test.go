package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dragonrelay/stellarmail/mlog"
)

var pkglog = mlog.New("wire", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestConn(t *testing.T) {
	c0, c1 := net.Pipe()
	w := NewConn(c0, pkglog)
	r := NewConn(c1, pkglog)
	defer w.Close()
	defer r.Close()

	sent := []Envelope{
		{Kind: KindRelay, To: "bob@b.example", From: "alice@a.example", Subject: "hi", Body: "hello\nworld", Attachments: []json.RawMessage{json.RawMessage(`{"name":"a.txt"}`)}},
		{Kind: KindRelayRejected, Reason: ReasonSpoof},
		{Kind: KindGotMessages, FolderID: "inbox", Mail: &Mail{ID: "x", To: "bob@b.example", SentAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}},
	}
	go func() {
		for _, e := range sent {
			err := w.Write(e)
			if err != nil {
				panic(err)
			}
		}
	}()
	for _, exp := range sent {
		e, err := r.Read()
		tcheck(t, err, "read")
		if !reflect.DeepEqual(e, exp) {
			t.Fatalf("got %#v, expected %#v", e, exp)
		}
	}
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("\n\r\n"+`{"kind":"LIST_FOLDERS"}`+"\r\n"+strings.Repeat("x", 100)), 16)
	line, err := readLine(r)
	tcheck(t, err, "readline")
	if string(line) != `{"kind":"LIST_FOLDERS"}` {
		t.Fatalf("got line %q", line)
	}
	_, err = readLine(r)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got %v, expected unexpected eof for partial line", err)
	}
	_, err = readLine(bufio.NewReader(strings.NewReader("")))
	if err != io.EOF {
		t.Fatalf("got %v, expected eof", err)
	}
}

func TestMalformed(t *testing.T) {
	c0, c1 := net.Pipe()
	r := NewConn(c1, pkglog)
	defer c0.Close()
	defer r.Close()
	go func() {
		c0.Write([]byte("not json\n" + `{"username":"x"}` + "\n" + `{"kind":"LOG"}` + "\n"))
	}()

	_, err := r.Read()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, expected ErrMalformed", err)
	}
	_, err = r.Read()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, expected ErrMalformed for missing kind", err)
	}
	e, err := r.Read()
	tcheck(t, err, "read after malformed")
	if e.Kind != KindLog {
		t.Fatalf("got kind %q", e.Kind)
	}
}
