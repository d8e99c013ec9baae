package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/waveline/waveline-server/internal/log"
)

type fakeSocket struct {
	closed atomic.Int32
	sent   atomic.Int32
}

func (f *fakeSocket) Send(_ context.Context, _ []byte) error {
	f.sent.Add(1)
	return nil
}

func (f *fakeSocket) Close() error {
	f.closed.Add(1)
	return nil
}

func newTestAuthority(t *testing.T) (*Authority, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Now())
	return New(mock, log.Nop()), mock
}

func TestRoleSlotExclusivity(t *testing.T) {
	a, _ := newTestAuthority(t)
	a.CreateRoom("r1")

	if _, err := a.AddParticipant("r1", "fac", RoleFacilitator); err != nil {
		t.Fatalf("add facilitator: %v", err)
	}
	if _, err := a.AddParticipant("r1", "exp", RoleExplorer); err != nil {
		t.Fatalf("add explorer: %v", err)
	}

	if _, err := a.AddParticipant("r1", "fac2", RoleFacilitator); !errors.Is(err, ErrRoleSlotTaken) {
		t.Fatalf("expected ErrRoleSlotTaken for second facilitator, got %v", err)
	}
	if _, err := a.AddParticipant("r1", "exp2", RoleExplorer); !errors.Is(err, ErrRoleSlotTaken) {
		t.Fatalf("expected ErrRoleSlotTaken for second explorer, got %v", err)
	}

	// Listeners are unbounded.
	for _, id := range []string{"l1", "l2", "l3"} {
		if _, err := a.AddParticipant("r1", id, RoleListener); err != nil {
			t.Fatalf("add listener %s: %v", id, err)
		}
	}

	infos, err := a.ListParticipants("r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if countByRole(infos, RoleFacilitator) != 1 || countByRole(infos, RoleExplorer) != 1 {
		t.Fatalf("exclusive slot invariant violated: %+v", infos)
	}
}

func TestSetRole(t *testing.T) {
	a, _ := newTestAuthority(t)
	a.CreateRoom("r1")
	a.AddParticipant("r1", "fac", RoleFacilitator)
	a.AddParticipant("r1", "lis", RoleListener)

	// No-op success when the participant already has the role.
	if err := a.SetRole("r1", "fac", RoleFacilitator); err != nil {
		t.Fatalf("same-role set should succeed: %v", err)
	}

	// Moving into an occupied exclusive slot fails.
	if err := a.SetRole("r1", "lis", RoleFacilitator); !errors.Is(err, ErrRoleSlotTaken) {
		t.Fatalf("expected ErrRoleSlotTaken, got %v", err)
	}

	// Moving into a free exclusive slot succeeds.
	if err := a.SetRole("r1", "lis", RoleExplorer); err != nil {
		t.Fatalf("promote listener to explorer: %v", err)
	}
	info, _ := a.GetParticipant("r1", "lis")
	if info.Role != RoleExplorer {
		t.Fatalf("expected explorer role, got %s", info.Role)
	}
}

func TestFacilitatorRemovalDestroysRoom(t *testing.T) {
	a, _ := newTestAuthority(t)
	a.CreateRoom("r1")
	a.AddParticipant("r1", "fac", RoleFacilitator)
	a.AddParticipant("r1", "exp", RoleExplorer)
	a.AddParticipant("r1", "lis", RoleListener)

	facSock := &fakeSocket{}
	expSock := &fakeSocket{}
	lisSock := &fakeSocket{}
	a.AttachSocket("r1", "fac", facSock)
	a.AttachSocket("r1", "exp", expSock)
	a.AttachSocket("r1", "lis", lisSock)

	if err := a.RemoveParticipant("r1", "fac"); err != nil {
		t.Fatalf("remove facilitator: %v", err)
	}

	if _, err := a.GetRoom("r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound after facilitator left, got %v", err)
	}

	// Every socket closed exactly once.
	for name, sock := range map[string]*fakeSocket{"fac": facSock, "exp": expSock, "lis": lisSock} {
		if got := sock.closed.Load(); got != 1 {
			t.Fatalf("socket %s closed %d times, want 1", name, got)
		}
	}
}

func TestNonFacilitatorRemovalKeepsRoom(t *testing.T) {
	a, _ := newTestAuthority(t)
	a.CreateRoom("r1")
	a.AddParticipant("r1", "fac", RoleFacilitator)
	a.AddParticipant("r1", "lis", RoleListener)

	lisSock := &fakeSocket{}
	a.AttachSocket("r1", "lis", lisSock)

	if err := a.RemoveParticipant("r1", "lis"); err != nil {
		t.Fatalf("remove listener: %v", err)
	}
	if lisSock.closed.Load() != 1 {
		t.Fatalf("listener socket not closed")
	}
	if _, err := a.GetRoom("r1"); err != nil {
		t.Fatalf("room should survive listener removal: %v", err)
	}
	if _, err := a.GetParticipant("r1", "lis"); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
}

func TestListParticipantsStableOrder(t *testing.T) {
	a, _ := newTestAuthority(t)
	a.CreateRoom("r1")
	a.AddParticipant("r1", "fac", RoleFacilitator)
	a.AddParticipant("r1", "b", RoleListener)
	a.AddParticipant("r1", "a", RoleListener)
	a.AddParticipant("r1", "c", RoleListener)

	infos, _ := a.ListParticipants("r1")
	want := []string{"fac", "b", "a", "c"}
	if len(infos) != len(want) {
		t.Fatalf("expected %d participants, got %d", len(want), len(infos))
	}
	for i, id := range want {
		if infos[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, infos[i].ID)
		}
	}
}

func TestCleanupInactiveParticipants(t *testing.T) {
	a, mock := newTestAuthority(t)
	a.CreateRoom("r1")
	a.AddParticipant("r1", "fac", RoleFacilitator)
	a.AddParticipant("r1", "stale", RoleListener)

	// One hour passes; only the facilitator heartbeats.
	mock.Add(time.Hour)
	if err := a.Heartbeat("r1", "fac"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	removed := a.CleanupInactiveParticipants(30 * time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := a.GetParticipant("r1", "stale"); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("stale participant should be gone, got %v", err)
	}
	if _, err := a.GetParticipant("r1", "fac"); err != nil {
		t.Fatalf("fresh facilitator should remain: %v", err)
	}
}

func TestCleanupEvictsSilentFacilitator(t *testing.T) {
	a, mock := newTestAuthority(t)
	a.CreateRoom("r1")
	a.AddParticipant("r1", "fac", RoleFacilitator)
	a.AddParticipant("r1", "lis", RoleListener)

	lisSock := &fakeSocket{}
	a.AttachSocket("r1", "lis", lisSock)

	mock.Add(time.Hour)
	if err := a.Heartbeat("r1", "lis"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// The facilitator is not special-cased: its eviction destroys the room.
	a.CleanupInactiveParticipants(30 * time.Minute)
	if _, err := a.GetRoom("r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("room should be destroyed after facilitator timeout, got %v", err)
	}
	if lisSock.closed.Load() != 1 {
		t.Fatalf("remaining participant socket should be force-closed")
	}
}

func TestSendForwarding(t *testing.T) {
	a, _ := newTestAuthority(t)
	a.CreateRoom("r1")
	a.AddParticipant("r1", "fac", RoleFacilitator)
	a.AddParticipant("r1", "exp", RoleExplorer)

	expSock := &fakeSocket{}
	a.AttachSocket("r1", "exp", expSock)

	if err := a.Send(context.Background(), "r1", "exp", []byte(`{"type":"sdp"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if expSock.sent.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", expSock.sent.Load())
	}

	// Unknown target surfaces as an error the relay reports to the sender.
	if err := a.Send(context.Background(), "r1", "ghost", nil); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}

	// A target without a live socket is a silent drop.
	if err := a.Send(context.Background(), "r1", "fac", nil); err != nil {
		t.Fatalf("socketless target should drop silently: %v", err)
	}
}

func countByRole(infos []Info, role Role) int {
	n := 0
	for _, info := range infos {
		if info.Role == role {
			n++
		}
	}
	return n
}
