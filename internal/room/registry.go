// Package room keeps the live rooms of the relay: one shared document and
// presence table per document id, created lazily and evicted after a grace
// period once the last member leaves.
package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"collab-relay/internal/protocol"

	"github.com/rs/zerolog"
)

const DefaultGracePeriod = 5 * time.Second

// LoadFunc returns the persisted state of a document, or nil when there is
// none.
type LoadFunc func(ctx context.Context, documentID string) ([]byte, error)

// EvictFunc receives the final state of a room that left the registry.
// seeded is false when the room's persisted state never made it in, because
// the load failed or was still running; state then holds only what happened
// in the room and must not replace the stored snapshot.
type EvictFunc func(documentID string, state []byte, seeded bool)

type Option func(*Registry)

func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) { r.grace = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithLoader seeds new rooms from persisted state. The load runs in the
// background and its result is merged like any other update.
func WithLoader(fn LoadFunc) Option {
	return func(r *Registry) { r.load = fn }
}

// WithEvictHook is called after a room is evicted, released or shut down.
func WithEvictHook(fn EvictFunc) Option {
	return func(r *Registry) { r.onEvict = fn }
}

type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	timers map[string]*eviction
	closed bool

	grace   time.Duration
	logger  zerolog.Logger
	load    LoadFunc
	onEvict EvictFunc
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:  make(map[string]*Room),
		timers: make(map[string]*eviction),
		grace:  DefaultGracePeriod,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "registry").Logger()
	return r
}

// GetOrCreate returns the room for documentID, creating it if needed. A
// pending eviction is cancelled.
func (r *Registry) GetOrCreate(documentID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelLocked(documentID)
	if rm, ok := r.rooms[documentID]; ok {
		return rm
	}

	rm := newRoom(documentID, r.logger)
	r.rooms[documentID] = rm
	r.logger.Info().Str("document_id", documentID).Msg("room created")
	if r.load != nil {
		go r.seed(rm)
	} else {
		rm.finishSeed(nil)
	}
	return rm
}

func (r *Registry) seed(rm *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := r.load(ctx, rm.id)
	if err != nil {
		r.logger.Warn().Err(err).Str("document_id", rm.id).Msg("failed to load snapshot")
		rm.finishSeed(err)
		return
	}
	if len(state) > 0 {
		err = rm.ApplyDocumentUpdate(nil, protocol.EncodeSyncUpdate(state), state)
		if err != nil {
			r.logger.Warn().Err(err).Str("document_id", rm.id).Msg("discarding unreadable snapshot")
		}
	}
	rm.finishSeed(err)
}

func (r *Registry) Get(documentID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[documentID]
	return rm, ok
}

// ScheduleEvictionIfEmpty arms the grace timer for documentID, replacing
// any earlier one. When it fires the room is removed only if it still has
// no members.
func (r *Registry) ScheduleEvictionIfEmpty(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.rooms[documentID]; !ok {
		return
	}
	r.armLocked(documentID)
}

// eviction identifies one armed grace timer. The callback compares the
// pointer it captured, never the timer field.
type eviction struct {
	timer *time.Timer
}

func (r *Registry) armLocked(documentID string) {
	r.cancelLocked(documentID)
	e := &eviction{}
	e.timer = time.AfterFunc(r.grace, func() { r.evict(documentID, e) })
	r.timers[documentID] = e
}

func (r *Registry) cancelLocked(documentID string) {
	if e, ok := r.timers[documentID]; ok {
		e.timer.Stop()
		delete(r.timers, documentID)
	}
}

func (r *Registry) evict(documentID string, e *eviction) {
	r.mu.Lock()
	if r.timers[documentID] != e {
		r.mu.Unlock()
		return
	}
	delete(r.timers, documentID)
	rm, ok := r.rooms[documentID]
	if !ok || rm.Len() > 0 {
		r.mu.Unlock()
		return
	}
	if !rm.seedFinished() {
		// the persisted state is still on its way in
		if !r.closed {
			r.armLocked(documentID)
		}
		r.mu.Unlock()
		return
	}
	delete(r.rooms, documentID)
	r.mu.Unlock()

	r.logger.Info().Str("document_id", documentID).Msg("room evicted")
	r.release(rm)
}

func (r *Registry) release(rm *Room) {
	state := rm.EncodeState()
	seeded := rm.Seeded()
	rm.destroy()
	if r.onEvict != nil {
		r.onEvict(rm.id, state, seeded)
	}
}

// Detach removes the room from the registry immediately and returns it. The
// caller is responsible for closing its members; Release finishes it.
func (r *Registry) Detach(documentID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[documentID]
	if !ok {
		return nil, false
	}
	r.cancelLocked(documentID)
	delete(r.rooms, documentID)
	return rm, true
}

// Release hands a detached room's final state to the evict hook.
func (r *Registry) Release(rm *Room) {
	r.release(rm)
}

// Discard destroys a detached room without handing its state anywhere.
func (r *Registry) Discard(rm *Room) {
	rm.destroy()
}

// Rooms returns the live rooms ordered by document id.
func (r *Registry) Rooms() []*Room {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Connections counts members across every room.
func (r *Registry) Connections() int {
	n := 0
	for _, rm := range r.Rooms() {
		n += rm.Len()
	}
	return n
}

// Shutdown stops every eviction timer, closes every member with code and
// reason and releases every room. Later evictions are ignored.
func (r *Registry) Shutdown(code int, reason string) {
	r.mu.Lock()
	r.closed = true
	for id := range r.timers {
		r.cancelLocked(id)
	}
	rooms := make([]*Room, 0, len(r.rooms))
	for id, rm := range r.rooms {
		rooms = append(rooms, rm)
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.CloseAll(code, reason)
		r.release(rm)
	}
	r.logger.Info().Int("rooms", len(rooms)).Msg("registry shut down")
}
