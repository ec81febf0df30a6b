package ordering

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// ErrUnknownItem is returned when an operation names a key the collection does not hold.
var ErrUnknownItem = errors.New("unknown item")

// Key addresses an item locally, before and after it has a persisted identity.
type Key string

// NewKey returns a fresh, time ordered key.
func NewKey() Key {
	return Key(ulid.Make().String())
}

// Record is the payload contract of a collection item.
type Record[T any] interface {
	SetField(field string, value any) error
	Validate() error
	Clone() T
}

// SyncState tracks an item's persistence lifecycle.
type SyncState int

const (
	// Unsaved items have no identity yet.
	Unsaved SyncState = iota
	// Saved items match the last successful write.
	Saved
	// Dirty items changed since their last successful write, or that write failed.
	Dirty
)

func (s SyncState) String() string {
	switch s {
	case Unsaved:
		return "unsaved"
	case Saved:
		return "saved"
	case Dirty:
		return "dirty"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s SyncState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Item is a read-only view of a collection entry.
type Item[T any] struct {
	Key      Key       `json:"key"`
	ID       string    `json:"id,omitempty"`
	Position int       `json:"position"`
	State    SyncState `json:"state"`
	Version  uint64    `json:"version"`
	Error    string    `json:"error,omitempty"`
	Value    T         `json:"value"`
}

// Seed is a persisted row used to populate a collection.
type Seed[T any] struct {
	ID       string
	Position int
	Value    T
}

// OpKind enumerates local mutations.
type OpKind string

const (
	OpInsert      OpKind = "insert"
	OpRemove      OpKind = "remove"
	OpMove        OpKind = "move"
	OpUpdateField OpKind = "update"
)

// Op describes one local mutation.
type Op[T any] struct {
	Kind  OpKind
	Key   Key
	At    int
	Field string
	Value any
	Item  T
}

// EventKind distinguishes structural changes from state-only changes.
type EventKind string

const (
	EventSequence EventKind = "sequence"
	EventState    EventKind = "state"
)

// Event is published to listeners after every change.
type Event[T any] struct {
	Kind  EventKind
	Items []Item[T]
}

// Listener receives collection events.
type Listener[T any] func(Event[T])

type entry[T Record[T]] struct {
	key      Key
	id       string
	position int
	state    SyncState
	version  uint64
	err      error
	value    T
}

// Collection is an ordered, optimistically mutated sequence of records. Every
// mutation completes synchronously and leaves positions contiguous from zero.
type Collection[T Record[T]] struct {
	mu        sync.RWMutex
	entries   []*entry[T]
	index     map[Key]*entry[T]
	listeners map[int]Listener[T]
	nextSub   int
}

// NewCollection creates an empty collection.
func NewCollection[T Record[T]]() *Collection[T] {
	return &Collection[T]{
		index:     make(map[Key]*entry[T]),
		listeners: make(map[int]Listener[T]),
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (c *Collection[T]) Subscribe(listener Listener[T]) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Load replaces the contents with persisted rows, ordered by their stored
// position. Rows whose stored position is not dense come back Dirty. Rows
// already present keep their key.
func (c *Collection[T]) Load(seeds []Seed[T]) []Item[T] {
	c.mu.Lock()
	known := make(map[string]Key, len(c.entries))
	for _, e := range c.entries {
		if e.id != "" {
			known[e.id] = e.key
		}
	}
	c.entries = make([]*entry[T], 0, len(seeds))
	c.index = make(map[Key]*entry[T], len(seeds))
	for _, s := range seeds {
		key, ok := known[s.ID]
		if !ok {
			key = NewKey()
		}
		e := &entry[T]{
			key:      key,
			id:       s.ID,
			position: s.Position,
			state:    Saved,
			version:  1,
			value:    s.Value.Clone(),
		}
		c.entries = append(c.entries, e)
		c.index[e.key] = e
	}
	sortEntries(c.entries)
	c.reindexLocked()
	items := c.itemsLocked()
	c.mu.Unlock()

	c.emit(EventSequence, items)
	return items
}

// Mutate applies op and returns the resulting sequence.
func (c *Collection[T]) Mutate(op Op[T]) ([]Item[T], error) {
	switch op.Kind {
	case OpInsert:
		_, items := c.Insert(op.Item, op.At)
		return items, nil
	case OpRemove:
		_, items, err := c.Remove(op.Key)
		return items, err
	case OpMove:
		items, _, err := c.Move(op.Key, op.At)
		return items, err
	case OpUpdateField:
		return c.UpdateField(op.Key, op.Field, op.Value)
	default:
		return nil, fmt.Errorf("unsupported op %q", op.Kind)
	}
}

// Insert places value at index at, clamped to [0, len].
func (c *Collection[T]) Insert(value T, at int) (Key, []Item[T]) {
	c.mu.Lock()
	at = clamp(at, 0, len(c.entries))
	e := &entry[T]{key: NewKey(), state: Unsaved, version: 1, value: value.Clone()}
	c.entries = append(c.entries, nil)
	copy(c.entries[at+1:], c.entries[at:])
	c.entries[at] = e
	c.index[e.key] = e
	c.reindexLocked()
	items := c.itemsLocked()
	c.mu.Unlock()

	c.emit(EventSequence, items)
	return e.key, items
}

// Remove drops the item and returns its last state.
func (c *Collection[T]) Remove(key Key) (Item[T], []Item[T], error) {
	c.mu.Lock()
	e, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return Item[T]{}, nil, fmt.Errorf("remove %s: %w", key, ErrUnknownItem)
	}
	removed := e.item()
	idx := c.positionOf(key)
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	delete(c.index, key)
	c.reindexLocked()
	items := c.itemsLocked()
	c.mu.Unlock()

	c.emit(EventSequence, items)
	return removed, items, nil
}

// Move relocates the item to index to. The boolean reports whether the order changed.
func (c *Collection[T]) Move(key Key, to int) ([]Item[T], bool, error) {
	c.mu.Lock()
	if _, ok := c.index[key]; !ok {
		c.mu.Unlock()
		return nil, false, fmt.Errorf("move %s: %w", key, ErrUnknownItem)
	}
	from := c.positionOf(key)
	to = clamp(to, 0, len(c.entries)-1)
	if from == to {
		items := c.itemsLocked()
		c.mu.Unlock()
		return items, false, nil
	}
	c.entries = Reorder(c.entries, from, to)
	c.reindexLocked()
	items := c.itemsLocked()
	c.mu.Unlock()

	c.emit(EventSequence, items)
	return items, true, nil
}

// UpdateField sets one field. Rejected values leave the item untouched.
func (c *Collection[T]) UpdateField(key Key, field string, value any) ([]Item[T], error) {
	c.mu.Lock()
	e, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("update %s: %w", key, ErrUnknownItem)
	}
	next := e.value.Clone()
	if err := next.SetField(field, value); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	e.value = next
	e.touch()
	items := c.itemsLocked()
	c.mu.Unlock()

	c.emit(EventSequence, items)
	return items, nil
}

// Items returns a snapshot of the sequence.
func (c *Collection[T]) Items() []Item[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.itemsLocked()
}

// Get returns a snapshot of one item.
func (c *Collection[T]) Get(key Key) (Item[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.index[key]
	if !ok {
		return Item[T]{}, false
	}
	return e.item(), true
}

// KeyOf finds the local key of a persisted identity.
func (c *Collection[T]) KeyOf(id string) (Key, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.id == id {
			return e.key, true
		}
	}
	return "", false
}

// Len reports the number of items.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Persisted returns snapshots of every item that has an identity, in order.
func (c *Collection[T]) Persisted() []Item[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item[T], 0, len(c.entries))
	for _, e := range c.entries {
		if e.id != "" {
			out = append(out, e.item())
		}
	}
	return out
}

// Pending returns snapshots of items that are not Saved.
func (c *Collection[T]) Pending() []Item[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item[T], 0)
	for _, e := range c.entries {
		if e.state != Saved {
			out = append(out, e.item())
		}
	}
	return out
}

// assignID records the identity returned by a create. The item becomes Saved
// when nothing changed since version, Dirty otherwise. It reports false when
// the item is gone.
func (c *Collection[T]) assignID(key Key, id string, version uint64) (SyncState, bool) {
	c.mu.Lock()
	e, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return Unsaved, false
	}
	e.id = id
	e.err = nil
	if e.version == version {
		e.state = Saved
	} else {
		e.state = Dirty
	}
	state := e.state
	items := c.itemsLocked()
	c.mu.Unlock()

	c.emit(EventState, items)
	return state, true
}

// markSaved flips items written at the given versions to Saved unless they
// changed again in the meantime.
func (c *Collection[T]) markSaved(written map[Key]uint64) {
	c.mu.Lock()
	changed := false
	for key, version := range written {
		e, ok := c.index[key]
		if !ok || e.version != version || e.id == "" {
			continue
		}
		if e.state != Saved || e.err != nil {
			e.state = Saved
			e.err = nil
			changed = true
		}
	}
	if !changed {
		c.mu.Unlock()
		return
	}
	items := c.itemsLocked()
	c.mu.Unlock()
	c.emit(EventState, items)
}

// markFailed keeps items Dirty (or Unsaved) and remembers the error.
func (c *Collection[T]) markFailed(keys []Key, err error) {
	c.mu.Lock()
	for _, key := range keys {
		e, ok := c.index[key]
		if !ok {
			continue
		}
		e.err = err
		if e.id != "" {
			e.state = Dirty
		}
	}
	items := c.itemsLocked()
	c.mu.Unlock()
	c.emit(EventState, items)
}

func (c *Collection[T]) emit(kind EventKind, items []Item[T]) {
	c.mu.RLock()
	listeners := make([]Listener[T], 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.RUnlock()

	evt := Event[T]{Kind: kind, Items: items}
	for _, l := range listeners {
		l(evt)
	}
}

func (c *Collection[T]) positionOf(key Key) int {
	for i, e := range c.entries {
		if e.key == key {
			return i
		}
	}
	return -1
}

// reindexLocked makes positions dense. Entries whose position moved are
// touched so in-flight writes carrying the old position do not mark them Saved.
func (c *Collection[T]) reindexLocked() {
	for i, e := range c.entries {
		if e.position != i {
			e.position = i
			e.touch()
		}
	}
}

func (c *Collection[T]) itemsLocked() []Item[T] {
	out := make([]Item[T], len(c.entries))
	for i, e := range c.entries {
		out[i] = e.item()
	}
	return out
}

func (e *entry[T]) touch() {
	e.version++
	if e.id != "" {
		e.state = Dirty
	}
}

func (e *entry[T]) item() Item[T] {
	it := Item[T]{
		Key:      e.key,
		ID:       e.id,
		Position: e.position,
		State:    e.state,
		Version:  e.version,
		Value:    e.value.Clone(),
	}
	if e.err != nil {
		it.Error = e.err.Error()
	}
	return it
}

func sortEntries[T Record[T]](entries []*entry[T]) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].position < entries[j].position })
}
