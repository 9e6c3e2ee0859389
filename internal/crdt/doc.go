// Package crdt holds the replicated document shared by every peer of a room.
//
// A Doc is an operation log: every change is an op identified by the
// (client, seq) pair of the replica that produced it. Ops are delivered as
// binary updates and may arrive in any order or more than once; ops whose
// causal dependencies have not arrived yet are buffered until they can be
// integrated. Two replicas that have applied the same set of ops hold the
// same text and metadata, whatever order the ops arrived in.
package crdt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"
)

// MetaRegion is the name of the map region that carries out-of-band
// document metadata such as the title.
const MetaRegion = "meta"

var (
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	ErrOutOfRange      = errors.New("crdt: position out of range")
)

// ID identifies one op: the replica that created it and its sequence
// number on that replica. Sequence numbers start at 1.
type ID struct {
	Client uint64
	Seq    uint64
}

type item struct {
	id      ID
	lamport uint64
	content string
	deleted bool
}

type metaEntry struct {
	value   json.RawMessage
	lamport uint64
	client  uint64
}

// Doc is safe for concurrent use.
type Doc struct {
	mu sync.Mutex

	client  uint64
	seq     uint64
	lamport uint64

	clocks  map[uint64]uint64
	applied map[ID]op
	pending map[ID]op

	items []*item
	index map[ID]*item
	meta  map[string]metaEntry

	observers map[int]func(update []byte, local bool)
	nextObs   int
}

// NewDoc returns an empty document with a random replica id.
func NewDoc() *Doc {
	return NewDocWithClient(randomClientID())
}

// NewDocWithClient returns an empty document that creates ops under the
// given replica id. Two live replicas must never share an id.
func NewDocWithClient(client uint64) *Doc {
	return &Doc{
		client:    client,
		clocks:    make(map[uint64]uint64),
		applied:   make(map[ID]op),
		pending:   make(map[ID]op),
		index:     make(map[ID]*item),
		meta:      make(map[string]metaEntry),
		observers: make(map[int]func([]byte, bool)),
	}
}

func randomClientID() uint64 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	id := uint64(binary.BigEndian.Uint32(b[:]))
	if id == 0 {
		id = 1
	}
	return id
}

// ClientID returns the replica id local ops are created under.
func (d *Doc) ClientID() uint64 { return d.client }

// Observe registers fn to be called after every local mutation (local=true,
// update holds only the new ops) and after every remote update that changed
// the document (local=false, update is the bytes that were applied).
// The returned func removes the observer.
func (d *Doc) Observe(fn func(update []byte, local bool)) func() {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Destroy drops every observer. The document stays readable.
func (d *Doc) Destroy() {
	d.mu.Lock()
	d.observers = make(map[int]func([]byte, bool))
	d.mu.Unlock()
}

// Text returns the visible text.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

func (d *Doc) textLocked() string {
	var n int
	for _, it := range d.items {
		if !it.deleted {
			n += len(it.content)
		}
	}
	buf := make([]byte, 0, n)
	for _, it := range d.items {
		if !it.deleted {
			buf = append(buf, it.content...)
		}
	}
	return string(buf)
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// Insert inserts text before the rune at pos.
func (d *Doc) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	origin, hasOrigin, err := d.originAtLocked(pos)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	ops := make([]op, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		o := d.nextOpLocked(opInsert)
		o.origin, o.hasOrigin = origin, hasOrigin
		o.content = string(r)
		d.integrateLocked(o)
		ops = append(ops, o)
		origin, hasOrigin = o.id, true
	}
	return d.emitLocal(ops)
}

// Delete removes n visible runes starting at pos.
func (d *Doc) Delete(pos, n int) error {
	if n <= 0 {
		return nil
	}
	d.mu.Lock()
	targets := make([]ID, 0, n)
	visible := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if visible >= pos && visible < pos+n {
			targets = append(targets, it.id)
		}
		visible++
	}
	if pos < 0 || pos+n > visible {
		d.mu.Unlock()
		return ErrOutOfRange
	}
	ops := make([]op, 0, len(targets))
	for _, t := range targets {
		o := d.nextOpLocked(opDelete)
		o.target = t
		d.integrateLocked(o)
		ops = append(ops, o)
	}
	return d.emitLocal(ops)
}

// SetMeta merges the given key/value pairs into the metadata region. Values
// must be JSON-encodable.
func (d *Doc) SetMeta(values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		b, err := json.Marshal(values[k])
		if err != nil {
			return fmt.Errorf("encode meta %q: %w", k, err)
		}
		encoded[i] = b
	}

	d.mu.Lock()
	ops := make([]op, 0, len(keys))
	for i, k := range keys {
		o := d.nextOpLocked(opMeta)
		o.key = k
		o.value = encoded[i]
		d.integrateLocked(o)
		ops = append(ops, o)
	}
	return d.emitLocal(ops)
}

// Meta returns a copy of the metadata region.
func (d *Doc) Meta() map[string]json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]json.RawMessage, len(d.meta))
	for k, e := range d.meta {
		out[k] = append(json.RawMessage(nil), e.value...)
	}
	return out
}

// MetaString returns the metadata value for key when it is a JSON string.
func (d *Doc) MetaString(key string) (string, bool) {
	d.mu.Lock()
	e, ok := d.meta[key]
	d.mu.Unlock()
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.value, &s); err != nil {
		return "", false
	}
	return s, true
}

// StateVector returns, per replica, the highest contiguous seq applied.
func (d *Doc) StateVector() map[uint64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(map[uint64]uint64, len(d.clocks))
	for c, s := range d.clocks {
		sv[c] = s
	}
	return sv
}

// EncodeStateVector returns the binary form of StateVector.
func (d *Doc) EncodeStateVector() []byte {
	return EncodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate returns every applied op the holder of sv is missing.
// A nil sv yields the full state.
func (d *Doc) EncodeStateAsUpdate(sv map[uint64]uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]op, 0, len(d.applied))
	for id, o := range d.applied {
		if id.Seq > sv[id.Client] {
			ops = append(ops, o)
		}
	}
	sortOps(ops)
	return encodeUpdate(ops)
}

// ApplyUpdate merges a remote update. Ops already applied are ignored; ops
// with missing dependencies are kept until those arrive.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, o := range ops {
		if o.id.Seq <= d.clocks[o.id.Client] {
			continue
		}
		d.pending[o.id] = o
	}
	changed := d.drainPendingLocked()
	var observers []func([]byte, bool)
	if changed {
		observers = d.observersLocked()
	}
	d.mu.Unlock()
	for _, fn := range observers {
		fn(update, false)
	}
	return nil
}

// PendingCount reports how many ops are waiting for their dependencies.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Hash returns a digest of the converged state. Replicas that applied the
// same ops return the same hash.
func (d *Doc) Hash() [32]byte {
	full := d.EncodeStateAsUpdate(nil)
	d.mu.Lock()
	text := d.textLocked()
	keys := make([]string, 0, len(d.meta))
	for k := range d.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(d.meta[k].value)
		h.Write([]byte{0})
	}
	d.mu.Unlock()
	h.Write(full)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func (d *Doc) nextOpLocked(kind opKind) op {
	d.seq = d.clocks[d.client] + 1
	d.lamport++
	return op{id: ID{Client: d.client, Seq: d.seq}, lamport: d.lamport, kind: kind}
}

func (d *Doc) originAtLocked(pos int) (ID, bool, error) {
	if pos < 0 {
		return ID{}, false, ErrOutOfRange
	}
	if pos == 0 {
		return ID{}, false, nil
	}
	visible := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		visible++
		if visible == pos {
			return it.id, true, nil
		}
	}
	return ID{}, false, ErrOutOfRange
}

// emitLocal unlocks d and notifies observers of the new local ops.
func (d *Doc) emitLocal(ops []op) error {
	observers := d.observersLocked()
	d.mu.Unlock()
	if len(ops) == 0 || len(observers) == 0 {
		return nil
	}
	update := encodeUpdate(ops)
	for _, fn := range observers {
		fn(update, true)
	}
	return nil
}

func (d *Doc) observersLocked() []func([]byte, bool) {
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func([]byte, bool), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.observers[id])
	}
	return out
}

func (d *Doc) drainPendingLocked() bool {
	changed := false
	for progress := true; progress; {
		progress = false
		queue := make([]op, 0, len(d.pending))
		for _, o := range d.pending {
			queue = append(queue, o)
		}
		// Lower seqs first so a run of ops from one replica lands in a single pass.
		sortOps(queue)
		for _, o := range queue {
			if !d.readyLocked(o) {
				continue
			}
			delete(d.pending, o.id)
			d.integrateLocked(o)
			progress, changed = true, true
		}
	}
	return changed
}

func (d *Doc) readyLocked(o op) bool {
	if o.id.Seq != d.clocks[o.id.Client]+1 {
		return false
	}
	switch o.kind {
	case opInsert:
		if o.hasOrigin {
			_, ok := d.index[o.origin]
			return ok
		}
	case opDelete:
		_, ok := d.index[o.target]
		return ok
	}
	return true
}

func (d *Doc) integrateLocked(o op) {
	if o.lamport > d.lamport {
		d.lamport = o.lamport
	}
	d.clocks[o.id.Client] = o.id.Seq
	d.applied[o.id] = o

	switch o.kind {
	case opInsert:
		d.insertItemLocked(o)
	case opDelete:
		if it, ok := d.index[o.target]; ok {
			it.deleted = true
		}
	case opMeta:
		cur, ok := d.meta[o.key]
		if !ok || wins(o.lamport, o.id.Client, cur.lamport, cur.client) {
			d.meta[o.key] = metaEntry{value: o.value, lamport: o.lamport, client: o.id.Client}
		}
	}
}

// insertItemLocked places the item right after its origin, skipping over
// concurrent siblings (and their descendants) that carry a higher
// (lamport, client) priority.
func (d *Doc) insertItemLocked(o op) {
	it := &item{id: o.id, lamport: o.lamport, content: o.content}
	i := 0
	if o.hasOrigin {
		for j, cur := range d.items {
			if cur.id == o.origin {
				i = j + 1
				break
			}
		}
	}
	for i < len(d.items) && wins(d.items[i].lamport, d.items[i].id.Client, it.lamport, it.id.Client) {
		i++
	}
	d.items = append(d.items, nil)
	copy(d.items[i+1:], d.items[i:])
	d.items[i] = it
	d.index[it.id] = it
}

func wins(lamportA, clientA, lamportB, clientB uint64) bool {
	if lamportA != lamportB {
		return lamportA > lamportB
	}
	return clientA > clientB
}

func sortOps(ops []op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].id.Client != ops[j].id.Client {
			return ops[i].id.Client < ops[j].id.Client
		}
		return ops[i].id.Seq < ops[j].id.Seq
	})
}
