package corvid

import (
	"encoding/base64"
	"testing"
)

func TestSASLPlainSessionSuccess(t *testing.T) {
	var gotIdentity, gotUsername, gotPassword string
	session := NewSASLPlainSession(func(identity, username, password string) error {
		gotIdentity, gotUsername, gotPassword = identity, username, password
		return nil
	})

	payload := "alice\x00alice\x00hunter2"
	line := base64.StdEncoding.EncodeToString([]byte(payload))

	_, done, err := session.Step(line)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !done {
		t.Fatal("expected PLAIN exchange to complete in one step")
	}
	if gotUsername != "alice" || gotPassword != "hunter2" {
		t.Fatalf("got username=%q password=%q", gotUsername, gotPassword)
	}
	if gotIdentity != "alice" {
		t.Fatalf("got identity=%q", gotIdentity)
	}
}

func TestSASLPlainSessionRejectsBadCredentials(t *testing.T) {
	session := NewSASLPlainSession(func(identity, username, password string) error {
		return errWrongPassword
	})

	payload := "\x00alice\x00wrong"
	line := base64.StdEncoding.EncodeToString([]byte(payload))

	_, _, err := session.Step(line)
	if err == nil {
		t.Fatal("expected authentication failure to surface as an error")
	}
}

func TestSASLPlainSessionAlreadyDone(t *testing.T) {
	session := NewSASLPlainSession(func(identity, username, password string) error {
		return nil
	})

	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00hunter2"))
	if _, _, err := session.Step(payload); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if _, _, err := session.Step(payload); err == nil {
		t.Fatal("expected an error stepping a completed session")
	}
}

func TestSASLPlainSessionInvalidBase64(t *testing.T) {
	session := NewSASLPlainSession(func(identity, username, password string) error {
		return nil
	})

	if _, _, err := session.Step("not valid base64!!"); err == nil {
		t.Fatal("expected a decode error")
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

var errWrongPassword = sentinelErr("wrong password")
