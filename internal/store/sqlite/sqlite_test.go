package sqlite

import (
	"context"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	st, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateAndGetUser(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateUser(ctx, "alice", "hash123", "facilitator")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.ID == 0 || created.Username != "alice" || created.Role != "facilitator" {
		t.Fatalf("unexpected user: %+v", created)
	}

	fetched, err := st.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if fetched.ID != created.ID || fetched.PasswordHash != "hash123" {
		t.Fatalf("fetched user mismatch: %+v", fetched)
	}
}

func TestGetUnknownUser(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetUserByUsername(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateUsernameRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateUser(ctx, "alice", "h1", "listener"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := st.CreateUser(ctx, "alice", "h2", "listener"); err == nil {
		t.Fatalf("duplicate username should violate the unique constraint")
	}
}
