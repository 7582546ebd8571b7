package session

import (
	"errors"
	"testing"
	"time"
)

type fakeConn struct {
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(frame []byte) error {
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

var epoch = time.Unix(1700000000, 0)

func welcome(t *testing.T, r *Registry, name string) (*Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	client := r.Accept(conn, epoch)
	r.Welcome(client, name, "test")
	return client, conn
}

func TestWelcomeDeduplicatesNames(t *testing.T) {
	r := NewRegistry(4)
	a, _ := welcome(t, r, "bob")
	b, _ := welcome(t, r, "Bob")
	c, _ := welcome(t, r, "bob")
	d, _ := welcome(t, r, "  ")

	if a.User.Name != "bob" || b.User.Name != "Bob2" || c.User.Name != "bob3" {
		t.Fatalf("unexpected names %q %q %q", a.User.Name, b.User.Name, c.User.Name)
	}
	if d.User.Name != defaultUserName {
		t.Fatalf("expected empty name to become %q, got %q", defaultUserName, d.User.Name)
	}
	if a.User.Position != PositionSpectator {
		t.Fatalf("new users start as spectators, got %d", a.User.Position)
	}
	if a.ID == b.ID {
		t.Fatalf("client IDs must be unique")
	}
}

func TestAssignPlayerSharesSlotNames(t *testing.T) {
	r := NewRegistry(2)
	a, _ := welcome(t, r, "ann")
	b, _ := welcome(t, r, "bob")

	if err := r.AssignPlayer(a.User, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.AssignPlayer(b.User, 0); err != nil {
		t.Fatal(err)
	}
	slot, _ := r.Slot(0)
	if slot.State != SlotHuman || slot.Name != "ann & bob" {
		t.Fatalf("unexpected shared slot %+v", slot)
	}

	if err := r.AssignPlayer(a.User, 1); err != nil {
		t.Fatal(err)
	}
	if slot.Name != "bob" {
		t.Fatalf("expected slot 0 to be renamed after ann left, got %q", slot.Name)
	}
	if err := r.AssignPlayer(b.User, PositionSpectator); err != nil {
		t.Fatal(err)
	}
	if slot.State != SlotOpen || slot.Name != "" {
		t.Fatalf("expected empty slot to reopen, got %+v", slot)
	}
}

func TestAssignPlayerRejectsUnavailableSlots(t *testing.T) {
	r := NewRegistry(2)
	a, _ := welcome(t, r, "ann")
	if _, err := r.SetSlotState(1, SlotClosed); err != nil {
		t.Fatal(err)
	}
	if err := r.AssignPlayer(a.User, 1); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	if err := r.AssignPlayer(a.User, 7); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}
	if err := r.AssignPlayer(nil, 0); !errors.Is(err, ErrNotWelcomed) {
		t.Fatalf("expected ErrNotWelcomed, got %v", err)
	}
}

func TestSetSlotStateMovesUsersToSpectators(t *testing.T) {
	r := NewRegistry(1)
	a, _ := welcome(t, r, "ann")
	if err := r.AssignPlayer(a.User, 0); err != nil {
		t.Fatal(err)
	}
	moved, err := r.SetSlotState(0, SlotComputer)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 || a.User.Position != PositionSpectator {
		t.Fatalf("expected ann to become a spectator, moved=%v pos=%d", moved, a.User.Position)
	}
}

func TestDisconnectInLobbyReusesUserEntry(t *testing.T) {
	r := NewRegistry(2)
	a, conn := welcome(t, r, "ann")
	if err := r.AssignPlayer(a.User, 0); err != nil {
		t.Fatal(err)
	}
	number := a.User.Number

	if user := r.Disconnect(a); user == nil || user.Position != PositionNotConnected {
		t.Fatalf("expected vacated user, got %+v", user)
	}
	if !conn.closed || !a.Closed {
		t.Fatalf("expected connection to be closed")
	}
	if r.Disconnect(a) != nil {
		t.Fatalf("second disconnect must be a no-op")
	}
	slot, _ := r.Slot(0)
	if slot.State != SlotOpen {
		t.Fatalf("expected slot to reopen in the lobby")
	}

	b, _ := welcome(t, r, "ann")
	if b.User.Number != number || b.User.Name != "ann" {
		t.Fatalf("expected vacated entry %d to be reused with the freed name, got %+v", number, b.User)
	}

	reaped := r.Reap()
	if len(reaped) != 1 || reaped[0] != a {
		t.Fatalf("expected the closed client to be reaped, got %v", reaped)
	}
	if len(r.Clients()) != 1 {
		t.Fatalf("expected one client left, got %d", len(r.Clients()))
	}
}

func TestDisconnectDuringGameKeepsUser(t *testing.T) {
	r := NewRegistry(2)
	a, _ := welcome(t, r, "ann")
	if err := r.AssignPlayer(a.User, 1); err != nil {
		t.Fatal(err)
	}
	r.SetLaunched(true)
	r.SetResult(a.User, "won")
	r.Disconnect(a)

	if a.User.Position != PositionNotConnected || a.User.LastSlot != 1 || a.User.Result != "won" {
		t.Fatalf("expected the user entry to survive with its result: %+v", a.User)
	}
	if len(r.Participants()) != 0 {
		t.Fatalf("disconnected client must not participate")
	}

	b, _ := welcome(t, r, "ann")
	if b.User == a.User {
		t.Fatalf("entries must not be reused once the game launched")
	}
	if b.User.Name != "ann2" {
		t.Fatalf("departed user's name stays reserved during a game, got %q", b.User.Name)
	}
	slot, _ := r.Slot(1)
	if slot.Name != "ann" {
		t.Fatalf("slot keeps the departed player's name, got %q", slot.Name)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry(1)
	a, _ := welcome(t, r, "ann")
	a.HungSince = epoch
	if err := r.AssignPlayer(a.User, 0); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot(epoch.Add(90 * time.Second))
	if len(snap.Clients) != 1 || snap.Clients[0].HungSeconds != 90 || snap.Clients[0].Name != "ann" {
		t.Fatalf("unexpected client snapshot %+v", snap.Clients)
	}
	if len(snap.Slots) != 1 || snap.Slots[0].State != "human" {
		t.Fatalf("unexpected slot snapshot %+v", snap.Slots)
	}
	if r.UserByName("ANN") != a.User || r.ClientForUser(a.User) != a {
		t.Fatalf("lookup helpers failed")
	}
}
