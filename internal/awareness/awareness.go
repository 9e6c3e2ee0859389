// Package awareness keeps the ephemeral presence table of a document: one
// JSON state per replication client, versioned by a per-client clock. It is
// never persisted.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultTimeout is how long a remote entry survives without renewal.
const DefaultTimeout = 30 * time.Second

var ErrMalformedUpdate = errors.New("awareness: malformed update")

var nullState = []byte("null")

type entry struct {
	clock   uint64
	state   json.RawMessage // nil once removed
	updated time.Time
}

// Change lists the client ids touched by one mutation of the table.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All returns every id in the change, added first.
func (c Change) All() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

type Option func(*Table)

// WithNow replaces the wall clock used to stamp entries.
func WithNow(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// Table is safe for concurrent use. Observers run after the table lock is
// released, in registration order.
type Table struct {
	mu        sync.Mutex
	clientID  uint64
	entries   map[uint64]*entry
	observers map[int]func(Change, any)
	nextObs   int
	now       func() time.Time
}

// New creates a table whose local client is clientID. A relay uses 0 and
// never sets a local state.
func New(clientID uint64, opts ...Option) *Table {
	t := &Table{
		clientID:  clientID,
		entries:   make(map[uint64]*entry),
		observers: make(map[int]func(Change, any)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) ClientID() uint64 { return t.clientID }

// OnChange registers fn and returns a function that unregisters it.
func (t *Table) OnChange(fn func(change Change, origin any)) func() {
	t.mu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *Table) notify(change Change, origin any) {
	if change.Empty() {
		return
	}
	t.mu.Lock()
	keys := make([]int, 0, len(t.observers))
	for k := range t.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func(Change, any), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, t.observers[k])
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(change, origin)
	}
}

// SetLocalState publishes (or, with nil, clears) the local client's state.
// The clock is bumped on every call so peers accept it as a renewal.
func (t *Table) SetLocalState(state json.RawMessage) Change {
	t.mu.Lock()
	e, ok := t.entries[t.clientID]
	if !ok {
		e = &entry{}
		t.entries[t.clientID] = e
	} else {
		e.clock++
	}
	prev := e.state
	if state == nil || bytes.Equal(state, nullState) {
		e.state = nil
	} else {
		e.state = append(json.RawMessage(nil), state...)
	}
	e.updated = t.now()

	var change Change
	switch {
	case prev == nil && e.state != nil:
		change.Added = []uint64{t.clientID}
	case prev != nil && e.state == nil:
		change.Removed = []uint64{t.clientID}
	case prev != nil:
		change.Updated = []uint64{t.clientID}
	}
	t.mu.Unlock()

	t.notify(change, nil)
	return change
}

func (t *Table) LocalState() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[t.clientID]; ok && e.state != nil {
		return append(json.RawMessage(nil), e.state...)
	}
	return nil
}

// States returns a copy of every live state keyed by client id.
func (t *Table) States() map[uint64]json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]json.RawMessage, len(t.entries))
	for id, e := range t.entries {
		if e.state != nil {
			out[id] = append(json.RawMessage(nil), e.state...)
		}
	}
	return out
}

// Len counts live states.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.state != nil {
			n++
		}
	}
	return n
}

// Clients returns the ids with a live state in ascending order.
func (t *Table) Clients() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientsLocked()
}

func (t *Table) clientsLocked() []uint64 {
	ids := make([]uint64, 0, len(t.entries))
	for id, e := range t.entries {
		if e.state != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Encode serializes the given clients as a count followed by
// (client, clock, state) tuples; removed clients carry the literal "null".
// Unknown ids are skipped.
func (t *Table) Encode(ids []uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encodeLocked(ids)
}

// EncodeAll serializes every live state.
func (t *Table) EncodeAll() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encodeLocked(t.clientsLocked())
}

func (t *Table) encodeLocked(ids []uint64) []byte {
	known := ids[:0:0]
	for _, id := range ids {
		if _, ok := t.entries[id]; ok {
			known = append(known, id)
		}
	}
	b := protowire.AppendVarint(nil, uint64(len(known)))
	for _, id := range known {
		e := t.entries[id]
		b = protowire.AppendVarint(b, id)
		b = protowire.AppendVarint(b, e.clock)
		state := []byte(e.state)
		if state == nil {
			state = nullState
		}
		b = protowire.AppendBytes(b, state)
	}
	return b
}

type record struct {
	client uint64
	clock  uint64
	state  []byte
}

func decode(update []byte) ([]record, error) {
	count, n := protowire.ConsumeVarint(update)
	if n < 0 {
		return nil, fmt.Errorf("%w: count", ErrMalformedUpdate)
	}
	update = update[n:]
	var recs []record
	for i := uint64(0); i < count; i++ {
		var r record
		if r.client, n = protowire.ConsumeVarint(update); n < 0 {
			return nil, fmt.Errorf("%w: client", ErrMalformedUpdate)
		}
		update = update[n:]
		if r.clock, n = protowire.ConsumeVarint(update); n < 0 {
			return nil, fmt.Errorf("%w: clock", ErrMalformedUpdate)
		}
		update = update[n:]
		if r.state, n = protowire.ConsumeBytes(update); n < 0 {
			return nil, fmt.Errorf("%w: state", ErrMalformedUpdate)
		}
		update = update[n:]
		if !bytes.Equal(r.state, nullState) && !json.Valid(r.state) {
			return nil, fmt.Errorf("%w: state of client %d is not json", ErrMalformedUpdate, r.client)
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// ApplyUpdate merges a remote update. A record is accepted when its clock is
// newer than the known one, or equal and null while a state is held (a
// removal). Remote attempts to remove the local state bump the local clock
// instead.
func (t *Table) ApplyUpdate(update []byte, origin any) (Change, error) {
	recs, err := decode(update)
	if err != nil {
		return Change{}, err
	}

	now := t.now()
	var change Change
	t.mu.Lock()
	for _, r := range recs {
		isNull := bytes.Equal(r.state, nullState)
		e, known := t.entries[r.client]
		var held bool
		var curClock uint64
		if known {
			held = e.state != nil
			curClock = e.clock
		}
		if known && !(curClock < r.clock || (curClock == r.clock && isNull && held)) {
			continue
		}
		if isNull {
			if r.client == t.clientID && held {
				e.clock++
				e.updated = now
				continue
			}
			if !known {
				t.entries[r.client] = &entry{clock: r.clock, updated: now}
				continue
			}
			e.clock, e.state, e.updated = r.clock, nil, now
			if held {
				change.Removed = append(change.Removed, r.client)
			}
			continue
		}
		state := append(json.RawMessage(nil), r.state...)
		if !known {
			t.entries[r.client] = &entry{clock: r.clock, state: state, updated: now}
			change.Added = append(change.Added, r.client)
			continue
		}
		e.clock, e.updated = r.clock, now
		e.state = state
		if held {
			change.Updated = append(change.Updated, r.client)
		} else {
			change.Added = append(change.Added, r.client)
		}
	}
	t.mu.Unlock()

	t.notify(change, origin)
	return change, nil
}

// Remove drops the states of ids. Peers learn about it through an encoded
// null at the current clock; removing the local state bumps its clock.
func (t *Table) Remove(ids []uint64, origin any) Change {
	var change Change
	now := t.now()
	t.mu.Lock()
	for _, id := range ids {
		e, ok := t.entries[id]
		if !ok || e.state == nil {
			continue
		}
		e.state = nil
		e.updated = now
		if id == t.clientID {
			e.clock++
		}
		change.Removed = append(change.Removed, id)
	}
	t.mu.Unlock()

	t.notify(change, origin)
	return change
}

// RemoveOutdated removes remote states that were not renewed within timeout.
func (t *Table) RemoveOutdated(timeout time.Duration, origin any) Change {
	cutoff := t.now().Add(-timeout)
	var stale []uint64
	t.mu.Lock()
	for id, e := range t.entries {
		if id != t.clientID && e.state != nil && e.updated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return t.Remove(stale, origin)
}

// RenewLocal re-publishes the local state if it is older than half the
// timeout, so peers do not sweep it.
func (t *Table) RenewLocal(timeout time.Duration) bool {
	t.mu.Lock()
	e, ok := t.entries[t.clientID]
	stale := ok && e.state != nil && t.now().Sub(e.updated) >= timeout/2
	var state json.RawMessage
	if stale {
		state = e.state
	}
	t.mu.Unlock()
	if !stale {
		return false
	}
	t.SetLocalState(state)
	return true
}
