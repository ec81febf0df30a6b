package ordering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoIdentity is recorded when a write is attempted for an item that was never created.
var ErrNoIdentity = errors.New("item has no identity")

// Adapter persists collection items. Every call carries complete rows with
// their current position.
type Adapter[T any] interface {
	CreateOne(ctx context.Context, item Item[T]) (string, error)
	UpsertBatch(ctx context.Context, items []Item[T]) error
	DeleteOne(ctx context.Context, id string) error
}

// FieldKey identifies a debounced write of one field of one item.
type FieldKey struct {
	Item  Key
	Field string
}

// ReorderKey is the debounce key of the whole-collection position write.
var ReorderKey = FieldKey{Field: "position"}

// Failure is a backend write that did not go through.
type Failure struct {
	Key Key       `json:"key,omitempty"`
	ID  string    `json:"id,omitempty"`
	Op  string    `json:"op"`
	Err error     `json:"-"`
	At  time.Time `json:"at"`
}

// Error implements error.
func (f Failure) Error() string {
	return f.Op + " " + string(f.Key) + ": " + f.Err.Error()
}

// Unwrap exposes the backend error.
func (f Failure) Unwrap() error { return f.Err }

const maxFailures = 64

// Option configures a Controller.
type Option func(*options)

type options struct {
	clock        Clock
	fieldDelay   time.Duration
	reorderDelay time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger
	onFailure    func(Failure)
	onInvalid    func(Key, error)
	onWritten    func(op string, ids []string)
}

// WithClock overrides the clock used for debouncing.
func WithClock(clock Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithFieldDelay sets the debounce delay of field edits.
func WithFieldDelay(d time.Duration) Option {
	return func(o *options) { o.fieldDelay = d }
}

// WithReorderDelay sets the debounce delay of position writes.
func WithReorderDelay(d time.Duration) Option {
	return func(o *options) { o.reorderDelay = d }
}

// WithWriteTimeout bounds each adapter call.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithLogger sets the controller logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// OnFailure registers a callback for failed backend writes.
func OnFailure(fn func(Failure)) Option {
	return func(o *options) { o.onFailure = fn }
}

// OnInvalid registers a callback for writes skipped because the item does not validate.
func OnInvalid(fn func(Key, error)) Option {
	return func(o *options) { o.onInvalid = fn }
}

// OnWritten registers a callback invoked after each successful write.
func OnWritten(fn func(op string, ids []string)) Option {
	return func(o *options) { o.onWritten = fn }
}

// Controller owns one ordered collection and keeps the backend in step with
// it. Mutations apply locally and return immediately; writes are debounced
// per FieldKey and issued one at a time, each reading the latest state.
type Controller[T Record[T]] struct {
	name    string
	coll    *Collection[T]
	adapter Adapter[T]
	timers  *Debouncer[FieldKey]
	opts    options
	ctx     context.Context

	mu       sync.Mutex
	creating map[Key]bool
	orphaned map[Key]bool
	failures []Failure

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewController creates a controller. name labels logs and metrics, ctx is the
// parent of every write and is not cancelled by Close.
func NewController[T Record[T]](ctx context.Context, name string, adapter Adapter[T], opts ...Option) *Controller[T] {
	o := options{
		clock:        RealClock{},
		fieldDelay:   time.Second,
		reorderDelay: time.Second,
		writeTimeout: 10 * time.Second,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Controller[T]{
		name:     name,
		coll:     NewCollection[T](),
		adapter:  adapter,
		timers:   NewDebouncer[FieldKey](name, o.clock),
		opts:     o,
		ctx:      context.WithoutCancel(ctx),
		creating: make(map[Key]bool),
		orphaned: make(map[Key]bool),
	}
}

// Collection exposes the underlying collection for reads and subscriptions.
func (c *Controller[T]) Collection() *Collection[T] { return c.coll }

// Load seeds the collection with persisted rows. Rows whose stored positions
// were not dense are rewritten on the next position write.
func (c *Controller[T]) Load(seeds []Seed[T]) []Item[T] {
	items := c.coll.Load(seeds)
	for _, it := range items {
		if it.State == Dirty {
			c.timers.Schedule(ReorderKey, c.opts.reorderDelay, c.persistOrder)
			break
		}
	}
	return items
}

// Insert adds value at index at and creates it in the backend right away.
func (c *Controller[T]) Insert(value T, at int) (Key, []Item[T]) {
	key, items := c.coll.Insert(value, at)
	if shifted(items, key) {
		c.timers.Schedule(ReorderKey, c.opts.reorderDelay, c.persistOrder)
	}
	c.create(key)
	return key, items
}

// Remove drops the item locally, cancels its pending writes and deletes it in
// the backend. An item whose create is still in flight is deleted once its
// identity arrives.
func (c *Controller[T]) Remove(key Key) (Item[T], []Item[T], error) {
	if _, ok := c.coll.Get(key); !ok {
		return Item[T]{}, nil, fmt.Errorf("remove %s: %w", key, ErrUnknownItem)
	}
	c.mu.Lock()
	if c.creating[key] {
		c.orphaned[key] = true
	}
	c.mu.Unlock()

	removed, items, err := c.coll.Remove(key)
	if err != nil {
		return removed, nil, err
	}
	c.timers.CancelMatching(func(k FieldKey) bool { return k.Item == key })

	if removed.ID != "" {
		c.deleteRow(key, removed.ID)
	}
	if len(c.coll.Persisted()) > 0 && anyDirty(items) {
		c.timers.Schedule(ReorderKey, c.opts.reorderDelay, c.persistOrder)
	}
	return removed, items, nil
}

// Move reorders the collection and arms the debounced position write.
func (c *Controller[T]) Move(key Key, to int) ([]Item[T], error) {
	items, moved, err := c.coll.Move(key, to)
	if err != nil {
		return nil, err
	}
	if moved {
		c.timers.Schedule(ReorderKey, c.opts.reorderDelay, c.persistOrder)
	}
	return items, nil
}

// UpdateField applies an edit and arms the debounced row write for that
// field. A validation error is returned when the item cannot be persisted in
// its new state; the edit is kept locally either way.
func (c *Controller[T]) UpdateField(key Key, field string, value any) ([]Item[T], error) {
	items, err := c.coll.UpdateField(key, field, value)
	if err != nil {
		return nil, err
	}
	c.timers.Schedule(FieldKey{Item: key, Field: field}, c.opts.fieldDelay, func() { c.persistItem(key) })

	if it, ok := c.coll.Get(key); ok {
		if verr := it.Value.Validate(); verr != nil {
			return items, verr
		}
	}
	return items, nil
}

// Retry re-arms every item that is not Saved: missing creates are issued
// again and dirty rows are written in one batch.
func (c *Controller[T]) Retry() int {
	pending := c.coll.Pending()
	dirty := 0
	for _, it := range pending {
		if it.ID == "" {
			c.create(it.Key)
			continue
		}
		dirty++
	}
	if dirty > 0 {
		c.async(c.persistDirty)
	}
	return len(pending)
}

// Flush fires every pending debounced write now.
func (c *Controller[T]) Flush() int {
	return c.timers.Flush()
}

// Discard drops every pending debounced write without issuing it. In-flight
// writes are not affected; use Wait to let them finish.
func (c *Controller[T]) Discard() int {
	return c.timers.CancelMatching(func(FieldKey) bool { return true })
}

// Wait blocks until in-flight writes have finished.
func (c *Controller[T]) Wait() {
	c.wg.Wait()
}

// Close flushes pending writes and waits for them. Mutations after Close are
// written without debouncing.
func (c *Controller[T]) Close() {
	c.timers.Close()
	c.wg.Wait()
}

// Pending reports the number of armed debounce keys.
func (c *Controller[T]) Pending() int {
	return c.timers.Pending()
}

// Failures returns the most recent backend failures, oldest first.
func (c *Controller[T]) Failures() []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Failure, len(c.failures))
	copy(out, c.failures)
	return out
}

func (c *Controller[T]) create(key Key) {
	c.mu.Lock()
	if c.creating[key] {
		c.mu.Unlock()
		return
	}
	c.creating[key] = true
	c.mu.Unlock()

	c.async(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		it, ok := c.coll.Get(key)
		if !ok || it.ID != "" {
			c.finishCreate(key)
			return
		}
		if err := it.Value.Validate(); err != nil {
			c.finishCreate(key)
			c.invalid(key, err)
			return
		}

		ctx, cancel := c.writeContext()
		start := time.Now()
		id, err := c.adapter.CreateOne(ctx, it)
		cancel()
		observeWrite(c.name, "create", start, err)
		if err != nil {
			c.finishCreate(key)
			c.coll.markFailed([]Key{key}, err)
			c.fail(Failure{Key: key, Op: "create", Err: err})
			return
		}

		c.mu.Lock()
		delete(c.creating, key)
		orphan := c.orphaned[key]
		delete(c.orphaned, key)
		c.mu.Unlock()

		var state SyncState
		if !orphan {
			// a Remove racing past the creating check leaves nothing to assign to
			state, ok = c.coll.assignID(key, id, it.Version)
			orphan = !ok
		}

		if orphan {
			c.opts.logger.Debug().Str("key", string(key)).Str("id", id).Msg("item removed while being created")
			c.deleteLocked(key, id)
			return
		}
		c.written("create", []string{id})
		if state == Dirty {
			c.upsertLocked([]Key{key})
		}
	})
}

func (c *Controller[T]) finishCreate(key Key) {
	c.mu.Lock()
	delete(c.creating, key)
	delete(c.orphaned, key)
	c.mu.Unlock()
}

func (c *Controller[T]) persistItem(key Key) {
	it, ok := c.coll.Get(key)
	if !ok {
		return
	}
	if it.ID == "" {
		c.mu.Lock()
		inFlight := c.creating[key]
		c.mu.Unlock()
		if !inFlight {
			// an earlier create failed; the new edit re-arms it
			c.create(key)
		}
		return
	}
	c.async(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.upsertLocked([]Key{key})
	})
}

func (c *Controller[T]) persistOrder() {
	c.async(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		persisted := c.coll.Persisted()
		keys := make([]Key, len(persisted))
		for i, it := range persisted {
			keys[i] = it.Key
		}
		c.upsertLocked(keys)
	})
}

func (c *Controller[T]) persistDirty() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var keys []Key
	for _, it := range c.coll.Pending() {
		if it.ID != "" {
			keys = append(keys, it.Key)
		}
	}
	c.upsertLocked(keys)
}

// upsertLocked writes the current state of keys as one batch. Items that no
// longer exist or have no identity are skipped, as are items that do not
// validate. Callers hold writeMu.
func (c *Controller[T]) upsertLocked(keys []Key) {
	batch := make([]Item[T], 0, len(keys))
	for _, key := range keys {
		it, ok := c.coll.Get(key)
		if !ok || it.ID == "" {
			continue
		}
		if err := it.Value.Validate(); err != nil {
			c.invalid(key, err)
			continue
		}
		batch = append(batch, it)
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := c.writeContext()
	start := time.Now()
	err := c.adapter.UpsertBatch(ctx, batch)
	cancel()
	observeWrite(c.name, "upsert", start, err)

	written := make([]Key, len(batch))
	for i, it := range batch {
		written[i] = it.Key
	}
	if err != nil {
		c.coll.markFailed(written, err)
		for _, it := range batch {
			c.fail(Failure{Key: it.Key, ID: it.ID, Op: "upsert", Err: err})
		}
		return
	}

	versions := make(map[Key]uint64, len(batch))
	ids := make([]string, len(batch))
	for i, it := range batch {
		versions[it.Key] = it.Version
		ids[i] = it.ID
	}
	c.coll.markSaved(versions)
	c.written("upsert", ids)
}

func (c *Controller[T]) deleteRow(key Key, id string) {
	c.async(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.deleteLocked(key, id)
	})
}

func (c *Controller[T]) deleteLocked(key Key, id string) {
	ctx, cancel := c.writeContext()
	start := time.Now()
	err := c.adapter.DeleteOne(ctx, id)
	cancel()
	observeWrite(c.name, "delete", start, err)
	if err != nil {
		c.fail(Failure{Key: key, ID: id, Op: "delete", Err: err})
		return
	}
	c.written("delete", []string{id})
}

func (c *Controller[T]) fail(f Failure) {
	f.At = c.opts.clock.Now()
	c.opts.logger.Error().Err(f.Err).Str("op", f.Op).Str("key", string(f.Key)).Str("id", f.ID).Msg("persist failed")

	c.mu.Lock()
	c.failures = append(c.failures, f)
	if len(c.failures) > maxFailures {
		c.failures = c.failures[len(c.failures)-maxFailures:]
	}
	c.mu.Unlock()

	if c.opts.onFailure != nil {
		c.opts.onFailure(f)
	}
}

func (c *Controller[T]) invalid(key Key, err error) {
	writeSkipped.WithLabelValues(c.name).Inc()
	c.opts.logger.Debug().Err(err).Str("key", string(key)).Msg("write skipped, item invalid")
	if c.opts.onInvalid != nil {
		c.opts.onInvalid(key, err)
	}
}

func (c *Controller[T]) written(op string, ids []string) {
	if c.opts.onWritten != nil {
		c.opts.onWritten(op, ids)
	}
}

func (c *Controller[T]) writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.opts.writeTimeout)
}

func (c *Controller[T]) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func shifted[T any](items []Item[T], except Key) bool {
	for _, it := range items {
		if it.Key != except && it.State == Dirty {
			return true
		}
	}
	return false
}

func anyDirty[T any](items []Item[T]) bool {
	return shifted(items, "")
}
