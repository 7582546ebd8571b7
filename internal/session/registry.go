package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"lockstepd/internal/net/wire"
)

// DefaultDesiredSpeed is real time, in thousandths.
const DefaultDesiredSpeed uint16 = 1000

const defaultUserName = "Player"

// Registry owns every client, user and slot record. It is not safe for
// concurrent use; the host loop owns it.
type Registry struct {
	clients  []*Client
	users    []*User
	slots    []*Slot
	launched bool
}

// NewRegistry returns a registry with the given number of open slots.
func NewRegistry(slots int) *Registry {
	r := &Registry{}
	for i := 0; i < slots; i++ {
		r.slots = append(r.slots, &Slot{Index: i, State: SlotOpen})
	}
	return r
}

// SetLaunched marks the game as running. From then on vacated users keep
// their entries so their results survive.
func (r *Registry) SetLaunched(launched bool) {
	r.launched = launched
}

// Launched reports whether SetLaunched(true) was called.
func (r *Registry) Launched() bool {
	return r.launched
}

// Accept records a new connection.
func (r *Registry) Accept(conn Conn, now time.Time) *Client {
	client := &Client{
		ID:           uuid.New(),
		Conn:         conn,
		Stream:       wire.NewDeserializer(),
		DesiredSpeed: DefaultDesiredSpeed,
		ConnectedAt:  now,
		LastPong:     now,
	}
	r.clients = append(r.clients, client)
	return client
}

// Client looks up a client by ID.
func (r *Registry) Client(id uuid.UUID) *Client {
	for _, client := range r.clients {
		if client.ID == id {
			return client
		}
	}
	return nil
}

// Clients returns every record in accept order, including closed ones that
// have not been reaped.
func (r *Registry) Clients() []*Client {
	return append([]*Client(nil), r.clients...)
}

// Participants returns the welcomed, still-connected clients.
func (r *Registry) Participants() []*Client {
	var out []*Client
	for _, client := range r.clients {
		if client.Participating() {
			out = append(out, client)
		}
	}
	return out
}

// Users returns every user entry, connected or not.
func (r *Registry) Users() []*User {
	return append([]*User(nil), r.users...)
}

// Slots returns the player slots.
func (r *Registry) Slots() []*Slot {
	return append([]*Slot(nil), r.slots...)
}

// Slot returns the slot at index.
func (r *Registry) Slot(index int) (*Slot, error) {
	if index < 0 || index >= len(r.slots) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlot, index)
	}
	return r.slots[index], nil
}

// SetSlotState changes a slot's controller. Users in a slot that stops being
// human become spectators.
func (r *Registry) SetSlotState(index int, state SlotState) ([]*User, error) {
	slot, err := r.Slot(index)
	if err != nil {
		return nil, err
	}
	var moved []*User
	if state != SlotHuman {
		for _, number := range slot.Users {
			user := r.users[number]
			user.Position = PositionSpectator
			moved = append(moved, user)
		}
		slot.Users = nil
		slot.Name = ""
	}
	slot.State = state
	return moved, nil
}

// Welcome binds a user entry to client. Vacated entries are reused while the
// game has not launched; names already in use get a numeric suffix.
func (r *Registry) Welcome(client *Client, name, build string) *User {
	if client.User != nil {
		return client.User
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultUserName
	}

	var user *User
	if !r.launched {
		for _, candidate := range r.users {
			if candidate.Position == PositionNotConnected && candidate.Result == "" {
				user = candidate
				break
			}
		}
	}
	if user == nil {
		user = &User{Number: len(r.users)}
		r.users = append(r.users, user)
	}
	user.Name = ""
	*user = User{
		Number:   user.Number,
		Name:     r.uniqueName(name),
		Build:    build,
		Position: PositionSpectator,
		LastSlot: PositionSpectator,
	}
	client.User = user
	return user
}

func (r *Registry) uniqueName(name string) string {
	if !r.nameTaken(name) {
		return name
	}
	for i := 2; ; i++ {
		candidate := name + strconv.Itoa(i)
		if !r.nameTaken(candidate) {
			return candidate
		}
	}
}

func (r *Registry) nameTaken(name string) bool {
	for _, user := range r.users {
		if user.Name == "" {
			continue
		}
		if !user.Connected() && !r.launched {
			continue
		}
		if strings.EqualFold(user.Name, name) {
			return true
		}
	}
	return false
}

// UserByName finds a connected user by case-insensitive name.
func (r *Registry) UserByName(name string) *User {
	for _, user := range r.users {
		if user.Connected() && strings.EqualFold(user.Name, name) {
			return user
		}
	}
	return nil
}

// ClientForUser returns the live client bound to user.
func (r *Registry) ClientForUser(user *User) *Client {
	if user == nil {
		return nil
	}
	for _, client := range r.clients {
		if client.User == user && !client.Closed {
			return client
		}
	}
	return nil
}

// AssignPlayer moves user to position. Player slots must be open or already
// human controlled.
func (r *Registry) AssignPlayer(user *User, position Position) error {
	if user == nil {
		return ErrNotWelcomed
	}
	if position.IsPlayer() {
		slot, err := r.Slot(int(position))
		if err != nil {
			return err
		}
		if slot.State != SlotOpen && slot.State != SlotHuman {
			return fmt.Errorf("%w: slot %d is %s", ErrSlotUnavailable, slot.Index, slot.State)
		}
	} else if position != PositionSpectator {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, position)
	}

	r.leaveSlot(user)
	user.Position = position
	if position.IsPlayer() {
		slot := r.slots[position]
		slot.State = SlotHuman
		slot.Users = append(slot.Users, user.Number)
		r.renameSlot(slot)
		user.LastSlot = position
	}
	return nil
}

// FirstOpenSlot returns the lowest open slot, if any.
func (r *Registry) FirstOpenSlot() (Position, bool) {
	for _, slot := range r.slots {
		if slot.State == SlotOpen {
			return Position(slot.Index), true
		}
	}
	return PositionSpectator, false
}

func (r *Registry) leaveSlot(user *User) {
	if !user.Position.IsPlayer() || int(user.Position) >= len(r.slots) {
		return
	}
	slot := r.slots[user.Position]
	kept := slot.Users[:0]
	for _, number := range slot.Users {
		if number != user.Number {
			kept = append(kept, number)
		}
	}
	slot.Users = kept
	if len(slot.Users) == 0 && slot.State == SlotHuman {
		slot.State = SlotOpen
	}
	r.renameSlot(slot)
}

func (r *Registry) renameSlot(slot *Slot) {
	names := make([]string, 0, len(slot.Users))
	for _, number := range slot.Users {
		names = append(names, r.users[number].Name)
	}
	slot.Name = strings.Join(names, " & ")
}

// Disconnect closes client and vacates its user's position. During a game
// the user keeps its name, slot binding and result.
func (r *Registry) Disconnect(client *Client) *User {
	if client == nil || client.Closed {
		return nil
	}
	client.Closed = true
	if client.Conn != nil {
		client.Conn.Close()
	}
	client.Stream.Reset()
	user := client.User
	if user == nil {
		return nil
	}
	if r.launched {
		// Keep the slot's name so the departed player still shows up in
		// the results, but stop counting it as connected.
		user.Position = PositionNotConnected
		return user
	}
	r.leaveSlot(user)
	user.Position = PositionNotConnected
	user.Ready = false
	return user
}

// Reap removes closed client records and returns them.
func (r *Registry) Reap() []*Client {
	var reaped []*Client
	kept := r.clients[:0]
	for _, client := range r.clients {
		if client.Closed {
			reaped = append(reaped, client)
			continue
		}
		kept = append(kept, client)
	}
	for i := len(kept); i < len(r.clients); i++ {
		r.clients[i] = nil
	}
	r.clients = kept
	return reaped
}

// SetResult records an end-of-game result for user.
func (r *Registry) SetResult(user *User, result string) {
	if user == nil {
		return
	}
	user.Result = result
}
