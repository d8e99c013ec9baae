package session

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestRoomPasswordHashing(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Now())
	room := newRoom("r1", mock)

	if room.HasPassword() {
		t.Fatalf("new room should have no password")
	}
	if !room.VerifyPassword("") {
		t.Fatalf("empty candidate should verify against no password")
	}

	if err := room.SetPassword("sekrit"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if !room.VerifyPassword("sekrit") {
		t.Fatalf("correct password rejected")
	}
	if room.VerifyPassword("wrong") {
		t.Fatalf("wrong password accepted")
	}

	// The stored credential is a hash, never the plaintext.
	if room.passwordHash == "sekrit" || room.passwordHash == "" {
		t.Fatalf("password not stored as hash: %q", room.passwordHash)
	}

	if err := room.SetPassword(""); err != nil {
		t.Fatalf("clear password: %v", err)
	}
	if room.HasPassword() {
		t.Fatalf("password should be cleared")
	}
}

func TestRoomLegacyPasswordUpgrade(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Now())
	room := newRoom("r1", mock)
	room.AdoptLegacyPassword("oldsecret")

	if room.VerifyPassword("nope") {
		t.Fatalf("wrong candidate accepted against legacy password")
	}
	if room.legacyPassword != "oldsecret" {
		t.Fatalf("failed verify must not upgrade the stored form")
	}

	// First successful verify upgrades plaintext to a hash in place.
	if !room.VerifyPassword("oldsecret") {
		t.Fatalf("correct legacy password rejected")
	}
	if room.legacyPassword != "" {
		t.Fatalf("plaintext field should be cleared after upgrade")
	}
	if room.passwordHash == "" || room.passwordHash == "oldsecret" {
		t.Fatalf("expected hashed credential, got %q", room.passwordHash)
	}

	// Subsequent verifies run against the hash.
	if !room.VerifyPassword("oldsecret") {
		t.Fatalf("password rejected after upgrade")
	}
}

func TestAttachSocketReplacesPrevious(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Now())
	room := newRoom("r1", mock)
	room.AddParticipant("p1", RoleExplorer)

	first := &fakeSocket{}
	second := &fakeSocket{}
	if err := room.AttachSocket("p1", first); err != nil {
		t.Fatalf("attach first: %v", err)
	}
	if err := room.AttachSocket("p1", second); err != nil {
		t.Fatalf("attach second: %v", err)
	}
	if first.closed.Load() != 1 {
		t.Fatalf("previous socket should be closed on replacement")
	}
	if second.closed.Load() != 0 {
		t.Fatalf("new socket must stay open")
	}
}

func TestParseRole(t *testing.T) {
	for _, valid := range []string{"facilitator", "explorer", "listener"} {
		if _, err := ParseRole(valid); err != nil {
			t.Fatalf("role %q should parse: %v", valid, err)
		}
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Fatalf("unknown role should fail")
	}
}
