// Package relay runs the per-connection message loop: it decodes frames,
// enforces write permission per message, feeds the room and keeps slow or
// dead peers from holding resources.
package relay

import (
	"errors"
	"sync"
	"time"

	"collab-relay/internal/awareness"
	"collab-relay/internal/permission"
	"collab-relay/internal/protocol"
	"collab-relay/internal/room"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errQueueFull = errors.New("relay: send queue full")

// Close codes sent by the relay itself.
const (
	CloseGoingAway         = websocket.CloseGoingAway
	ClosePermissionRevoked = 4404
)

// ReasonReadOnly is the in-band error text for writes from read-only sessions.
const ReasonReadOnly = "permission denied: read-only access"

type Config struct {
	MaxBufferedBytes int64
	MaxSendFailures  int32
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	PresenceTimeout  time.Duration
	SendQueueSize    int
	MaxMessageBytes  int64
}

func DefaultConfig() Config {
	return Config{
		MaxBufferedBytes: 2 << 20,
		MaxSendFailures:  3,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		PresenceTimeout:  awareness.DefaultTimeout,
		SendQueueSize:    256,
		MaxMessageBytes:  16 << 20,
	}
}

type Relay struct {
	cfg      Config
	registry *room.Registry
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(registry *room.Registry, cfg Config, logger zerolog.Logger) *Relay {
	return &Relay{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With().Str("component", "relay").Logger(),
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// Start launches the liveness sweep.
func (r *Relay) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop ends the liveness sweep and waits for it to exit.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Relay) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

// Sweep terminates sessions that did not answer the previous ping, pings
// the rest and drops presence entries that stopped renewing.
func (r *Relay) Sweep() {
	for _, s := range r.snapshot() {
		if !s.alive.Swap(false) {
			s.logger.Info().Msg("terminating unresponsive session")
			s.terminate()
			continue
		}
		s.ping()
	}
	for _, rm := range r.registry.Rooms() {
		if change := rm.SweepPresence(r.cfg.PresenceTimeout); !change.Empty() {
			r.logger.Debug().Str("document_id", rm.ID()).Int("removed", len(change.Removed)).Msg("swept stale presence")
		}
	}
}

func (r *Relay) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Connections counts live sessions.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Serve binds conn to the room of documentID and runs its message loop. It
// returns once the connection is gone and the session has departed.
func (r *Relay) Serve(conn Conn, documentID string, id Identity) {
	s := newSession(conn, documentID, id, r.cfg, r.logger)
	conn.SetReadLimit(r.cfg.MaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	s.room = r.registry.GetOrCreate(documentID)
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	go s.writeLoop()
	n := s.room.Join(s)
	s.logger.Info().Str("level", id.Level.String()).Int("connections", n).Msg("session joined")

	r.readLoop(s)
	r.depart(s)
}

func (r *Relay) readLoop(s *Session) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		s.alive.Store(true)
		if mt != websocket.BinaryMessage {
			continue
		}
		r.handle(s, data)
	}
}

func (r *Relay) handle(s *Session, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Debug().Err(err).Msg("dropping undecodable message")
		return
	}

	switch msg.Type {
	case protocol.MessageSync:
		r.handleSync(s, data, msg)
	case protocol.MessagePresence:
		change, err := s.room.ApplyPresence(s, msg.Payload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed presence update")
			return
		}
		s.trackPresence(change)
	case protocol.MessageQueryPresence:
		s.Send(s.room.PresenceSnapshot())
	}
}

func (r *Relay) handleSync(s *Session, data []byte, msg protocol.Message) {
	if msg.SubType == protocol.SyncStep1 {
		reply, err := s.room.SyncStep1(msg.Payload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed state vector")
			return
		}
		s.Send(reply)
		return
	}

	if !s.Identity().Level.CanEdit() {
		// A read-only peer's handshake reply is dropped quietly; explicit
		// updates get an in-band rejection.
		if msg.SubType == protocol.SyncUpdate {
			s.logger.Info().Msg("rejected update from read-only session")
			s.Send(protocol.EncodePermissionDenied(ReasonReadOnly))
		}
		return
	}

	if err := s.room.ApplyDocumentUpdate(s, data, msg.Payload); err != nil {
		s.logger.Debug().Err(err).Msg("dropping malformed update")
	}
}

func (r *Relay) depart(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	s.terminate()
	remaining := s.room.Leave(s, s.presenceIDs())
	r.registry.ScheduleEvictionIfEmpty(s.documentID)
	s.logger.Info().Int("remaining", remaining).Msg("session departed")
}

// SetUserLevel changes the level of every live session of userID on
// documentID. Sessions that lose view access are closed. It returns the
// number of sessions touched.
func (r *Relay) SetUserLevel(documentID, userID string, level permission.Level) int {
	n := 0
	for _, s := range r.snapshot() {
		if s.documentID != documentID || s.Identity().UserID != userID {
			continue
		}
		n++
		if !level.CanView() {
			s.Close(ClosePermissionRevoked, "permission revoked")
			continue
		}
		s.setLevel(level)
		s.logger.Info().Str("level", level.String()).Msg("session level changed")
	}
	return n
}

// Shutdown stops the sweep and closes every session.
func (r *Relay) Shutdown(reason string) {
	r.Stop()
	for _, s := range r.snapshot() {
		s.Close(CloseGoingAway, reason)
	}
}
