package room

import (
	"sync"
	"time"

	"collab-relay/internal/awareness"
	"collab-relay/internal/crdt"
	"collab-relay/internal/protocol"

	"github.com/rs/zerolog"
)

// Member is a connection bound to a room. Send must not block; it reports
// whether the message was handed to the connection.
type Member interface {
	ID() string
	Send(msg []byte) bool
	Close(code int, reason string)
}

// Stats is a point-in-time view of a room for listings.
type Stats struct {
	DocumentID      string    `json:"document_id"`
	Connections     int       `json:"connections"`
	PresenceEntries int       `json:"presence_entries"`
	LastActivity    time.Time `json:"last_activity"`
}

// Room owns the shared document and presence table of one document id.
// Every mutation and the broadcast that follows it happen under r.mu, so
// two handlers of the same room never interleave their fan-out.
type Room struct {
	id       string
	doc      *crdt.Doc
	presence *awareness.Table
	logger   zerolog.Logger

	mu           sync.Mutex
	members      map[string]Member
	lastActivity time.Time

	stopPresence func()

	seedDone chan struct{}
	seedErr  error
}

func newRoom(id string, logger zerolog.Logger) *Room {
	r := &Room{
		id:           id,
		doc:          crdt.NewDoc(),
		presence:     awareness.New(0),
		logger:       logger.With().Str("document_id", id).Logger(),
		members:      make(map[string]Member),
		lastActivity: time.Now(),
		seedDone:     make(chan struct{}),
	}
	// Presence observers fire from inside Room methods, so r.mu is held.
	r.stopPresence = r.presence.OnChange(func(change awareness.Change, _ any) {
		r.broadcastLocked(protocol.EncodePresence(r.presence.Encode(change.All())), nil)
	})
	return r
}

func (r *Room) ID() string { return r.id }

// finishSeed records the outcome of loading the persisted state. It is
// called exactly once.
func (r *Room) finishSeed(err error) {
	r.seedErr = err
	close(r.seedDone)
}

func (r *Room) seedFinished() bool {
	select {
	case <-r.seedDone:
		return true
	default:
		return false
	}
}

// Seeded reports whether the persisted state, if any, has been merged into
// the room.
func (r *Room) Seeded() bool {
	return r.seedFinished() && r.seedErr == nil
}

// broadcastLocked is the single fan-out path for document and presence
// traffic. except is skipped when non-nil.
func (r *Room) broadcastLocked(msg []byte, except Member) {
	for _, m := range r.members {
		if except != nil && m.ID() == except.ID() {
			continue
		}
		m.Send(msg)
	}
}

func (r *Room) touchLocked() { r.lastActivity = time.Now() }

// Join adds m and sends it the room's state vector and current presence.
func (r *Room) Join(m Member) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.ID()] = m
	r.touchLocked()
	m.Send(protocol.EncodeSyncStep1(r.doc.EncodeStateVector()))
	if r.presence.Len() > 0 {
		m.Send(protocol.EncodePresence(r.presence.EncodeAll()))
	}
	return len(r.members)
}

// Leave removes m and the presence entries it owned, telling the remaining
// members about the removal.
func (r *Room) Leave(m Member, presenceIDs []uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, m.ID())
	r.presence.Remove(presenceIDs, m.ID())
	r.touchLocked()
	return len(r.members)
}

// SyncStep1 answers a peer's state vector with the ops it is missing.
func (r *Room) SyncStep1(stateVector []byte) ([]byte, error) {
	sv, err := crdt.DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return protocol.EncodeSyncStep2(r.doc.EncodeStateAsUpdate(sv)), nil
}

// ApplyDocumentUpdate merges update and forwards raw, the message it
// arrived in, to every member except from. A nil from forwards to all.
func (r *Room) ApplyDocumentUpdate(from Member, raw, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.ApplyUpdate(update); err != nil {
		return err
	}
	r.touchLocked()
	r.broadcastLocked(raw, from)
	return nil
}

// ApplyPresence merges a presence update. The change is broadcast to every
// member, the sender included.
func (r *Room) ApplyPresence(from Member, update []byte) (awareness.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	change, err := r.presence.ApplyUpdate(update, from.ID())
	if err != nil {
		return awareness.Change{}, err
	}
	r.touchLocked()
	return change, nil
}

// PresenceSnapshot encodes the whole presence table as a presence message.
func (r *Room) PresenceSnapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return protocol.EncodePresence(r.presence.EncodeAll())
}

// SweepPresence drops presence entries that were not renewed in timeout.
func (r *Room) SweepPresence(timeout time.Duration) awareness.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.RemoveOutdated(timeout, nil)
}

// PushMetadata merges values into the metadata region and pushes the full
// state to every member. It returns the number of members reached.
func (r *Room) PushMetadata(values map[string]any) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.SetMeta(values); err != nil {
		return 0, err
	}
	r.touchLocked()
	r.broadcastLocked(protocol.EncodeSyncUpdate(r.doc.EncodeStateAsUpdate(nil)), nil)
	return len(r.members), nil
}

// CloseAll closes every member with code and reason and returns how many
// were closed. Members leave through their own departure path.
func (r *Room) CloseAll(code int, reason string) int {
	r.mu.Lock()
	members := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.mu.Unlock()

	for _, m := range members {
		m.Close(code, reason)
	}
	return len(members)
}

// EncodeState returns the full document state as one update.
func (r *Room) EncodeState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate(nil)
}

func (r *Room) Text() string { return r.doc.Text() }

func (r *Room) Meta(key string) (string, bool) { return r.doc.MetaString(key) }

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		DocumentID:      r.id,
		Connections:     len(r.members),
		PresenceEntries: r.presence.Len(),
		LastActivity:    r.lastActivity,
	}
}

func (r *Room) destroy() {
	r.stopPresence()
	r.doc.Destroy()
}
