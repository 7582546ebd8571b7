package session

import "time"

// ClientSnapshot is the diagnostics view of a client record.
type ClientSnapshot struct {
	ID           string `json:"id"`
	Remote       string `json:"remote,omitempty"`
	User         int    `json:"user"`
	Name         string `json:"name,omitempty"`
	Position     int    `json:"position"`
	Time         int32  `json:"time"`
	DesiredSpeed uint16 `json:"desiredSpeed"`
	SyncArrived  bool   `json:"syncArrived"`
	HungSeconds  int64  `json:"hungSeconds,omitempty"`
	RTTMillis    int64  `json:"rttMillis"`
	Closed       bool   `json:"closed,omitempty"`
}

// UserSnapshot is the diagnostics view of a user entry.
type UserSnapshot struct {
	Number   int    `json:"number"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	LastSlot int    `json:"lastSlot"`
	Ready    bool   `json:"ready"`
	Result   string `json:"result,omitempty"`
}

// SlotSnapshot is the diagnostics view of a player slot.
type SlotSnapshot struct {
	Index int    `json:"index"`
	State string `json:"state"`
	Name  string `json:"name,omitempty"`
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Clients []ClientSnapshot `json:"clients"`
	Users   []UserSnapshot   `json:"users"`
	Slots   []SlotSnapshot   `json:"slots"`
}

// Snapshot copies the registry for diagnostics.
func (r *Registry) Snapshot(now time.Time) Snapshot {
	out := Snapshot{
		Clients: make([]ClientSnapshot, 0, len(r.clients)),
		Users:   make([]UserSnapshot, 0, len(r.users)),
		Slots:   make([]SlotSnapshot, 0, len(r.slots)),
	}
	for _, client := range r.clients {
		entry := ClientSnapshot{
			ID:           client.ID.String(),
			User:         -1,
			Position:     int(client.Position()),
			Time:         client.Time,
			DesiredSpeed: client.DesiredSpeed,
			SyncArrived:  client.SyncArrived,
			RTTMillis:    client.RTT.Milliseconds(),
			Closed:       client.Closed,
		}
		if client.Conn != nil {
			entry.Remote = client.Conn.RemoteAddr()
		}
		if client.User != nil {
			entry.User = client.User.Number
			entry.Name = client.User.Name
		}
		if client.Hung() {
			entry.HungSeconds = int64(now.Sub(client.HungSince) / time.Second)
		}
		out.Clients = append(out.Clients, entry)
	}
	for _, user := range r.users {
		out.Users = append(out.Users, SnapshotUser(user))
	}
	for _, slot := range r.slots {
		out.Slots = append(out.Slots, SlotSnapshot{Index: slot.Index, State: slot.State.String(), Name: slot.Name})
	}
	return out
}

// SnapshotUser copies a single user entry.
func SnapshotUser(user *User) UserSnapshot {
	return UserSnapshot{
		Number:   user.Number,
		Name:     user.Name,
		Position: int(user.Position),
		LastSlot: int(user.LastSlot),
		Ready:    user.Ready,
		Result:   user.Result,
	}
}
