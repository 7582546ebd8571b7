package sim

import "sort"

// Unit is a movable piece owned by a player slot.
type Unit struct {
	ID      uint32
	Owner   int
	X, Y    int32
	TargetX int32
	TargetY int32
}

// Road connects two cells on behalf of a player slot.
type Road struct {
	Owner        int
	FromX, FromY int32
	ToX, ToY     int32
}

// World is the reference simulation state. Units are kept sorted by ID so
// iteration order is identical on every peer.
type World struct {
	Time       int32
	Units      []*Unit
	Roads      []Road
	NextUnitID uint32
	Rejected   uint32
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{NextUnitID: 1}
}

// Unit looks up a unit by ID.
func (w *World) Unit(id uint32) *Unit {
	i := sort.Search(len(w.Units), func(i int) bool { return w.Units[i].ID >= id })
	if i < len(w.Units) && w.Units[i].ID == id {
		return w.Units[i]
	}
	return nil
}

// Spawn creates a unit for owner at (x, y).
func (w *World) Spawn(owner int, x, y int32) *Unit {
	unit := &Unit{ID: w.NextUnitID, Owner: owner, X: x, Y: y, TargetX: x, TargetY: y}
	w.NextUnitID++
	w.Units = append(w.Units, unit)
	return unit
}

// Step moves every unit one cell toward its target, x axis first.
func (w *World) Step() {
	for _, unit := range w.Units {
		switch {
		case unit.X < unit.TargetX:
			unit.X++
		case unit.X > unit.TargetX:
			unit.X--
		case unit.Y < unit.TargetY:
			unit.Y++
		case unit.Y > unit.TargetY:
			unit.Y--
		}
	}
}

func (w *World) hashInto(h *SyncHasher) {
	h.Int32(w.Time)
	for _, unit := range w.Units {
		h.Int32(int32(unit.ID))
		h.Int32(unit.X)
		h.Int32(unit.Y)
	}
}
