package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"collab-relay/internal/awareness"
	"collab-relay/internal/permission"
	"collab-relay/internal/room"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Identity is what the gateway learned about the connecting user.
type Identity struct {
	UserID string
	Email  string
	Level  permission.Level
}

// Session is one authenticated connection bound to a single room. All
// writes go through one writer goroutine fed by a bounded queue.
type Session struct {
	id         string
	documentID string
	conn       Conn
	room       *room.Room
	cfg        Config
	logger     zerolog.Logger

	mu       sync.Mutex
	identity Identity
	presence map[uint64]struct{}

	send      chan []byte
	buffered  atomic.Int64
	failures  atomic.Int32
	alive     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn Conn, documentID string, id Identity, cfg Config, logger zerolog.Logger) *Session {
	s := &Session{
		id:         uuid.NewString(),
		documentID: documentID,
		conn:       conn,
		cfg:        cfg,
		identity:   id,
		presence:   make(map[uint64]struct{}),
		send:       make(chan []byte, cfg.SendQueueSize),
		done:       make(chan struct{}),
	}
	s.logger = logger.With().
		Str("session_id", s.id).
		Str("document_id", documentID).
		Str("user_id", id.UserID).
		Logger()
	s.alive.Store(true)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) DocumentID() string { return s.documentID }

func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) setLevel(l permission.Level) {
	s.mu.Lock()
	s.identity.Level = l
	s.mu.Unlock()
}

// Buffered is the number of bytes queued but not yet written.
func (s *Session) Buffered() int64 { return s.buffered.Load() }

// Send queues msg without blocking. Above the buffer threshold the message
// is skipped; a full queue counts as a failed send.
func (s *Session) Send(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	if s.buffered.Load() > s.cfg.MaxBufferedBytes {
		s.logger.Debug().Int64("buffered", s.buffered.Load()).Msg("skipping send to slow session")
		return false
	}

	n := int64(len(msg))
	s.buffered.Add(n)
	select {
	case s.send <- msg:
		return true
	default:
		s.buffered.Add(-n)
		s.sendFailed(errQueueFull)
		return false
	}
}

func (s *Session) sendFailed(err error) {
	n := s.failures.Add(1)
	s.logger.Warn().Err(err).Int32("consecutive_failures", n).Msg("send failed")
	if n >= s.cfg.MaxSendFailures {
		s.logger.Warn().Msg("terminating session after repeated send failures")
		s.terminate()
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := s.conn.WriteMessage(websocket.BinaryMessage, msg)
			s.buffered.Add(-int64(len(msg)))
			if err != nil {
				s.sendFailed(err)
				continue
			}
			s.failures.Store(0)
		case <-s.done:
			return
		}
	}
}

func (s *Session) ping() {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		s.sendFailed(err)
	}
}

func (s *Session) trackPresence(change awareness.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range change.Added {
		s.presence[id] = struct{}{}
	}
	for _, id := range change.Updated {
		s.presence[id] = struct{}{}
	}
	for _, id := range change.Removed {
		delete(s.presence, id)
	}
}

func (s *Session) presenceIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.presence))
	for id := range s.presence {
		ids = append(ids, id)
	}
	return ids
}

// Close sends a close frame with code and reason and drops the connection.
// The read loop notices and runs the departure path.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		close(s.done)
		_ = s.conn.Close()
		s.logger.Info().Int("code", code).Str("reason", reason).Msg("session closed")
	})
}

// terminate drops the connection without a close handshake.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
