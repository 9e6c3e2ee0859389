// Package client is the editor side of a collaborative session: it loads a
// document, keeps it connected to the relay, publishes presence and saves
// the document locally and remotely.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-relay/internal/apiclient"
	"collab-relay/internal/awareness"
	"collab-relay/internal/crdt"
	"collab-relay/internal/snapshot"

	"github.com/rs/zerolog"
)

type State string

const (
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// NoticeCollaborationUnavailable is surfaced when presence could not be
// acquired from the transport, or no connection credential could be fetched.
// Editing keeps working.
const NoticeCollaborationUnavailable = "collaboration unavailable"

var ErrClosed = errors.New("client: controller closed")

// API is the part of the document API the controller needs.
type API interface {
	FetchDocumentState(ctx context.Context, documentID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, documentID string, state []byte) error
	FetchConnectionToken(ctx context.Context, documentID string) (apiclient.ConnectionToken, error)
}

// beaconer delivers a save without waiting for it.
type beaconer interface {
	SendBeacon(documentID string, state []byte) bool
}

// Transport is what the controller drives; Provider is the real one.
type Transport interface {
	Connect(ctx context.Context)
	Disconnect()
	Destroy()
	Status() Status
	Awareness() *awareness.Table
	OnStatus(fn func(Status))
	OnSynced(fn func())
	OnDenied(fn func(reason string))
	OnRejected(fn func(code int, reason string))
}

type TransportFactory func(documentID string, doc *crdt.Doc, token TokenFunc) Transport

type Options struct {
	User User

	// Every SaveEvery-th document change arms a save SaveDebounce later.
	// Automatic saves are at least MinSaveInterval apart; zero disables the
	// spacing.
	SaveEvery          int
	SaveDebounce       time.Duration
	MinSaveInterval    time.Duration
	VisibilityDebounce time.Duration
	IdleDisconnect     time.Duration
	UnloadTimeout      time.Duration

	PresenceInterval      time.Duration
	PresenceTimeout       time.Duration
	PresenceFallbackDelay time.Duration

	Provider  ProviderOptions
	Transport TransportFactory
	Logger    zerolog.Logger
	Now       func() time.Time
	// Sleep waits for d or until ctx ends. Presence polling goes through it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultOptions() Options {
	return Options{
		SaveEvery:             10,
		SaveDebounce:          30 * time.Second,
		MinSaveInterval:       10 * time.Second,
		VisibilityDebounce:    300 * time.Millisecond,
		IdleDisconnect:        5 * time.Minute,
		UnloadTimeout:         3 * time.Second,
		PresenceInterval:      150 * time.Millisecond,
		PresenceTimeout:       10 * time.Second,
		PresenceFallbackDelay: time.Second,
		Logger:                zerolog.Nop(),
		Now:                   time.Now,
		Sleep:                 sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Controller owns one editing session of one document.
type Controller struct {
	documentID string
	api        API
	local      snapshot.Store
	opts       Options
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	closed    bool
	doc       *crdt.Doc
	transport Transport
	presence  Presence
	notice    string
	mutations int
	lastSave  time.Time
	saveTimer *time.Timer
	hidden    bool
	visTimer  *time.Timer
	idleTimer *time.Timer
	idle      bool
	listeners []func(State)
	cleanups  []func()

	closeOnce sync.Once
}

// New builds a controller. local holds the fallback copy of the document.
func New(documentID string, api API, local snapshot.Store, opts Options) *Controller {
	def := DefaultOptions()
	if opts.SaveEvery <= 0 {
		opts.SaveEvery = def.SaveEvery
	}
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = def.SaveDebounce
	}
	if opts.MinSaveInterval < 0 {
		opts.MinSaveInterval = def.MinSaveInterval
	}
	if opts.VisibilityDebounce <= 0 {
		opts.VisibilityDebounce = def.VisibilityDebounce
	}
	if opts.IdleDisconnect <= 0 {
		opts.IdleDisconnect = def.IdleDisconnect
	}
	if opts.UnloadTimeout <= 0 {
		opts.UnloadTimeout = def.UnloadTimeout
	}
	if opts.PresenceInterval <= 0 {
		opts.PresenceInterval = def.PresenceInterval
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = def.PresenceTimeout
	}
	if opts.PresenceFallbackDelay <= 0 {
		opts.PresenceFallbackDelay = def.PresenceFallbackDelay
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = def.Sleep
	}
	if opts.User.Color == "" {
		opts.User.Color = ColorFor(opts.User.ID)
	}
	if opts.Transport == nil {
		popts := opts.Provider
		popts.Logger = opts.Logger
		opts.Transport = func(documentID string, doc *crdt.Doc, token TokenFunc) Transport {
			return NewProvider(documentID, doc, token, popts)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		documentID: documentID,
		api:        api,
		local:      local,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "controller").Str("document_id", documentID).Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnState registers fn for every state transition.
func (c *Controller) OnState(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.closed || (c.state == StateError && s != StateError) {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Debug().Str("state", string(s)).Msg("state changed")
	for _, fn := range fns {
		fn(s)
	}
}

// Doc is nil until Start has loaded the document.
func (c *Controller) Doc() *crdt.Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Presence is nil until presence acquisition has finished.
func (c *Controller) Presence() Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// Notice returns the non-fatal warning shown to the user, if any.
func (c *Controller) Notice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notice
}

func (c *Controller) stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) addCleanup(fn func()) {
	c.mu.Lock()
	c.cleanups = append(c.cleanups, fn)
	c.mu.Unlock()
}

// Start loads the document, connects and begins presence acquisition. It
// returns once the transport is connecting; the link comes up in the
// background.
func (c *Controller) Start(ctx context.Context) error {
	c.setState(StateInitializing)

	initial, err := c.loadInitialState(ctx)
	if c.stale() {
		return ErrClosed
	}
	if err != nil {
		c.setState(StateError)
		return err
	}

	doc := crdt.NewDoc()
	if len(initial) > 0 {
		if err := doc.ApplyUpdate(initial); err != nil {
			c.setState(StateError)
			return fmt.Errorf("apply initial state: %w", err)
		}
	}
	c.mu.Lock()
	c.doc = doc
	c.mu.Unlock()
	c.addCleanup(doc.Observe(func(_ []byte, local bool) {
		if local {
			c.mutated()
		}
	}))

	// Without a first credential the editor still opens; the transport keeps
	// asking for one on every dial.
	first, firstErr := c.api.FetchConnectionToken(ctx, c.documentID)
	if c.stale() {
		return ErrClosed
	}
	if firstErr != nil {
		c.logger.Warn().Err(firstErr).Msg("connection credential unavailable, editing alone")
	}

	var once sync.Once
	token := func(ctx context.Context) (apiclient.ConnectionToken, error) {
		reuse := false
		if firstErr == nil {
			once.Do(func() { reuse = true })
		}
		if reuse {
			return first, nil
		}
		tok, err := c.api.FetchConnectionToken(ctx, c.documentID)
		if err != nil {
			return tok, fmt.Errorf("fetch connection credential: %w", err)
		}
		return tok, nil
	}

	t := c.opts.Transport(c.documentID, doc, token)
	t.OnStatus(c.transportStatus)
	t.OnSynced(c.transportSynced)
	t.OnDenied(func(reason string) {
		c.logger.Warn().Str("reason", reason).Msg("edit rejected")
	})
	t.OnRejected(func(code int, reason string) {
		c.mu.Lock()
		c.notice = reason
		c.mu.Unlock()
		c.setState(StateError)
	})
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	c.setState(StateConnecting)
	if firstErr != nil {
		c.mu.Lock()
		c.notice = NoticeCollaborationUnavailable
		c.mu.Unlock()
		c.installPresence(c.ctx, StandalonePresence(doc.ClientID()), nil)
		t.Connect(c.ctx)
		return nil
	}
	t.Connect(c.ctx)
	go c.acquirePresence(c.ctx, t)
	return nil
}

// loadInitialState prefers the remote snapshot and falls back to the local
// copy. A document nobody saved yet starts empty.
func (c *Controller) loadInitialState(ctx context.Context) ([]byte, error) {
	state, err := c.api.FetchDocumentState(ctx, c.documentID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, apiclient.ErrNotFound) {
		c.logger.Warn().Err(err).Msg("snapshot fetch failed, using local copy")
	}

	state, lerr := c.local.Get(ctx, c.documentID)
	if lerr == nil {
		return state, nil
	}
	if errors.Is(lerr, snapshot.ErrNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("load local copy: %w", lerr)
}

func (c *Controller) transportStatus(s Status) {
	switch s {
	case StatusConnecting:
		c.setState(StateConnecting)
	case StatusConnected:
		c.setState(StateConnected)
	case StatusDisconnected:
		c.setState(StateDisconnected)
	}
}

// transportSynced moves an editor that had to start alone onto the shared
// presence table once the relay's state has been merged.
func (c *Controller) transportSynced() {
	c.logger.Debug().Msg("document synced")
	c.mu.Lock()
	p, t := c.presence, c.transport
	if c.closed || p == nil || p.Networked() || t == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	table := t.Awareness()
	if table == nil {
		return
	}
	p.Clear()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.presence = NetworkPresence(table)
	if c.notice == NoticeCollaborationUnavailable {
		c.notice = ""
	}
	c.mu.Unlock()
	c.logger.Info().Msg("collaboration available")
	c.publishPresence()
}

// acquirePresence polls the transport for its presence table. It gives up
// after PresenceTimeout and falls back to presence nobody else sees.
func (c *Controller) acquirePresence(ctx context.Context, t Transport) {
	var waited time.Duration
	for {
		if table := t.Awareness(); table != nil {
			c.installPresence(ctx, NetworkPresence(table), t)
			return
		}
		if waited >= c.opts.PresenceTimeout {
			break
		}
		if err := c.opts.Sleep(ctx, c.opts.PresenceInterval); err != nil {
			return
		}
		waited += c.opts.PresenceInterval
	}

	c.logger.Warn().Dur("waited", waited).Msg("presence unavailable, continuing alone")
	c.mu.Lock()
	c.notice = NoticeCollaborationUnavailable
	doc := c.doc
	c.mu.Unlock()
	c.installPresence(ctx, StandalonePresence(doc.ClientID()), nil)
}

func (c *Controller) installPresence(ctx context.Context, p Presence, t Transport) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.presence = p
	hidden := c.hidden
	c.mu.Unlock()
	if hidden {
		return
	}

	if t != nil && t.Status() != StatusConnected {
		// give the link a bounded chance to come up first
		_ = c.opts.Sleep(ctx, c.opts.PresenceFallbackDelay)
		if c.stale() {
			return
		}
	}
	c.publishPresence()
}

func (c *Controller) publishPresence() {
	c.mu.Lock()
	p := c.presence
	hidden := c.hidden
	c.mu.Unlock()
	if p == nil || hidden {
		return
	}
	p.SetLocalState(encodeRecord(c.opts.User, c.opts.Now()))
}

func (c *Controller) mutated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.mutations++
	if c.mutations%c.opts.SaveEvery != 0 {
		return
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
	c.saveTimer = time.AfterFunc(c.opts.SaveDebounce, c.autoSave)
}

func (c *Controller) autoSave() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if wait := c.opts.MinSaveInterval - c.opts.Now().Sub(c.lastSave); !c.lastSave.IsZero() && wait > 0 {
		c.saveTimer = time.AfterFunc(wait, c.autoSave)
		c.mu.Unlock()
		return
	}
	c.saveTimer = nil
	c.mu.Unlock()

	if err := c.save(c.ctx); err != nil {
		c.logger.Warn().Err(err).Msg("save failed, will retry on the next cycle")
	}
}

// save writes the local copy first, then the remote snapshot. Only the
// remote failure is returned; a local failure is logged.
func (c *Controller) save(ctx context.Context) error {
	doc := c.Doc()
	if doc == nil {
		return nil
	}
	state := doc.EncodeStateAsUpdate(nil)

	if err := c.local.Put(ctx, c.documentID, state); err != nil {
		c.logger.Warn().Err(err).Msg("local save failed")
	}
	c.mu.Lock()
	c.lastSave = c.opts.Now()
	c.mu.Unlock()

	if err := c.api.SaveSnapshot(ctx, c.documentID, state); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// SaveNow saves immediately, cancelling a pending debounced save.
func (c *Controller) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	c.mu.Unlock()
	return c.save(ctx)
}

// SetHidden reports page visibility. Changes settle for VisibilityDebounce
// before they take effect.
func (c *Controller) SetHidden(hidden bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.visTimer != nil {
		c.visTimer.Stop()
	}
	c.visTimer = time.AfterFunc(c.opts.VisibilityDebounce, func() { c.applyVisibility(hidden) })
}

func (c *Controller) applyVisibility(hidden bool) {
	c.mu.Lock()
	if c.closed || c.hidden == hidden {
		c.mu.Unlock()
		return
	}
	c.hidden = hidden
	p, t := c.presence, c.transport
	wasIdle := c.idle

	if hidden {
		c.idleTimer = time.AfterFunc(c.opts.IdleDisconnect, c.idleDisconnect)
	} else {
		if c.idleTimer != nil {
			c.idleTimer.Stop()
			c.idleTimer = nil
		}
		c.idle = false
	}
	c.mu.Unlock()

	if hidden {
		if p != nil {
			p.Clear()
		}
		return
	}
	if wasIdle && t != nil {
		c.logger.Info().Msg("visible again, reconnecting")
		t.Connect(c.ctx)
	}
	c.publishPresence()
}

func (c *Controller) idleDisconnect() {
	c.mu.Lock()
	if c.closed || !c.hidden {
		c.mu.Unlock()
		return
	}
	c.idle = true
	t := c.transport
	c.mu.Unlock()

	if t != nil {
		c.logger.Info().Msg("hidden for too long, disconnecting")
		t.Disconnect()
	}
}

// Unload is the last chance to persist before the process goes away. The
// local copy is written first; the remote save is handed off without
// waiting when the API supports it.
func (c *Controller) Unload() {
	doc := c.Doc()
	if doc == nil {
		return
	}
	state := doc.EncodeStateAsUpdate(nil)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.UnloadTimeout)
	defer cancel()
	if err := c.local.Put(ctx, c.documentID, state); err != nil {
		c.logger.Warn().Err(err).Msg("local save on unload failed")
	}

	if b, ok := c.api.(beaconer); ok && b.SendBeacon(c.documentID, state) {
		return
	}
	if err := c.api.SaveSnapshot(ctx, c.documentID, state); err != nil {
		c.logger.Warn().Err(err).Msg("save on unload failed")
	}
}

// Close tears everything down. It is safe to call more than once and from
// any goroutine except transport callbacks.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for _, t := range []*time.Timer{c.saveTimer, c.visTimer, c.idleTimer} {
			if t != nil {
				t.Stop()
			}
		}
		p, t, doc := c.presence, c.transport, c.doc
		cleanups := c.cleanups
		c.cleanups = nil
		c.mu.Unlock()

		c.cancel()
		if p != nil {
			p.Clear()
		}
		for _, fn := range cleanups {
			fn()
		}
		if t != nil {
			t.Destroy()
		}
		if doc != nil {
			doc.Destroy()
		}
		c.logger.Debug().Msg("controller closed")
	})
}
