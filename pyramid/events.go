package pyramid

import (
	"sync"
)

type EventKind int

const (
	ModelAdded EventKind = iota
	ModelRemoved
	MosaicAdded
	MosaicRemoved
	// TilesChanged is a content change. Keys lists the affected tiles; when it is
	// empty every tile of the mosaic in the event may have changed.
	TilesChanged
)

func (k EventKind) String() string {
	switch k {
	case ModelAdded:
		return "model added"
	case ModelRemoved:
		return "model removed"
	case MosaicAdded:
		return "mosaic added"
	case MosaicRemoved:
		return "mosaic removed"
	case TilesChanged:
		return "tiles changed"
	default:
		return "unknown"
	}
}

// Structural reports whether the event changes the set of models or mosaics.
func (k EventKind) Structural() bool {
	return k != TilesChanged
}

// Event is fired by a Resource when its structure or content changes.
type Event struct {
	Kind EventKind
	// Source is the resource that emitted the event in the first place.
	Source  Resource
	Pyramid string
	Mosaic  string
	Keys    []TileKey
}

// Listener receives events. Listeners are called synchronously on the
// goroutine that caused the change and must not block.
type Listener interface {
	OnEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) {
	f(e)
}

// Listeners is a registry of listeners. The zero value is ready for use.
// Children of a resource keep a pointer to the resource's Listeners to fire
// events upward without holding the resource itself.
type Listeners struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]Listener
	order  []int
}

// Subscribe adds l and returns a func removing it again.
func (ls *Listeners) Subscribe(l Listener) (unsubscribe func()) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.byID == nil {
		ls.byID = make(map[int]Listener)
	}
	id := ls.nextID
	ls.nextID++
	ls.byID[id] = l
	ls.order = append(ls.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { ls.remove(id) })
	}
}

func (ls *Listeners) remove(id int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.byID, id)
	for i, o := range ls.order {
		if o == id {
			ls.order = append(ls.order[:i], ls.order[i+1:]...)
			break
		}
	}
}

// Fire calls every listener in subscription order.
func (ls *Listeners) Fire(e Event) {
	ls.mu.RLock()
	snapshot := make([]Listener, 0, len(ls.order))
	for _, id := range ls.order {
		snapshot = append(snapshot, ls.byID[id])
	}
	ls.mu.RUnlock()

	for _, l := range snapshot {
		l.OnEvent(e)
	}
}

func (ls *Listeners) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.order)
}
