package client

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"collab-relay/internal/apiclient"
	"collab-relay/internal/awareness"
	"collab-relay/internal/crdt"
	"collab-relay/internal/protocol"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Status is the transport's view of the link.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// TokenFunc returns a fresh connection credential. It is called before every
// dial.
type TokenFunc func(ctx context.Context) (apiclient.ConnectionToken, error)

type ProviderOptions struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RenewInterval   time.Duration
	PresenceTimeout time.Duration
	WriteTimeout    time.Duration
	Dialer          *websocket.Dialer
	Logger          zerolog.Logger
}

func (o ProviderOptions) withDefaults() ProviderOptions {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = awareness.DefaultTimeout
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = o.PresenceTimeout / 2
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Provider keeps a document replica and its presence table in sync with the
// relay over one websocket, reconnecting with capped exponential backoff.
// A close in the 44xx range is final.
type Provider struct {
	documentID string
	doc        *crdt.Doc
	token      TokenFunc
	opts       ProviderOptions
	logger     zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	synced   bool
	table    *awareness.Table
	cancel   context.CancelFunc
	done     chan struct{}
	onStatus []func(Status)
	onSynced []func()
	onDenied []func(string)
	onReject []func(code int, reason string)

	writeMu sync.Mutex

	unobserve func()
	unwatch   func()
}

func NewProvider(documentID string, doc *crdt.Doc, token TokenFunc, opts ProviderOptions) *Provider {
	opts = opts.withDefaults()
	p := &Provider{
		documentID: documentID,
		doc:        doc,
		token:      token,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "provider").Str("document_id", documentID).Logger(),
		status:     StatusDisconnected,
	}
	p.unobserve = doc.Observe(func(update []byte, local bool) {
		if local {
			p.send(protocol.EncodeSyncUpdate(update))
		}
	})
	return p
}

func (p *Provider) OnStatus(fn func(Status)) {
	p.mu.Lock()
	p.onStatus = append(p.onStatus, fn)
	p.mu.Unlock()
}

// OnSynced fires once per connection, when the relay's state has been
// merged.
func (p *Provider) OnSynced(fn func()) {
	p.mu.Lock()
	p.onSynced = append(p.onSynced, fn)
	p.mu.Unlock()
}

// OnDenied fires for in-band permission errors. The link stays up.
func (p *Provider) OnDenied(fn func(reason string)) {
	p.mu.Lock()
	p.onDenied = append(p.onDenied, fn)
	p.mu.Unlock()
}

// OnRejected fires when the relay closed the link for good.
func (p *Provider) OnRejected(fn func(code int, reason string)) {
	p.mu.Lock()
	p.onReject = append(p.onReject, fn)
	p.mu.Unlock()
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Awareness returns the presence table, or nil before the first connection.
func (p *Provider) Awareness() *awareness.Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.table
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	fns := append([]func(Status){}, p.onStatus...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Connect starts the connect loop. It is a no-op while one is running.
func (p *Provider) Connect(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.run(ctx)
	}()
}

// Disconnect stops the connect loop and waits for it. Connect may be called
// again afterwards.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.setStatus(StatusDisconnected)
}

// Destroy disconnects and detaches from the document.
func (p *Provider) Destroy() {
	p.Disconnect()
	p.unobserve()
	p.mu.Lock()
	unwatch := p.unwatch
	p.unwatch = nil
	p.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

func finalClose(err error) (*websocket.CloseError, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= 4400 && ce.Code < 4500 {
		return ce, true
	}
	return nil, false
}

func (p *Provider) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	b.MaxInterval = p.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		p.setStatus(StatusConnecting)
		connected, err := p.session(ctx)
		if ctx.Err() != nil {
			return
		}
		p.setStatus(StatusDisconnected)
		if connected {
			b.Reset()
		}

		if ce, ok := finalClose(err); ok {
			p.logger.Warn().Int("code", ce.Code).Str("reason", ce.Text).Msg("relay closed the connection")
			p.mu.Lock()
			fns := append([]func(int, string){}, p.onReject...)
			p.mu.Unlock()
			for _, fn := range fns {
				fn(ce.Code, ce.Text)
			}
			return
		}

		delay := b.NextBackOff()
		p.logger.Debug().Err(err).Dur("retry_in", delay).Msg("connection lost")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (p *Provider) dialURL(tok apiclient.ConnectionToken) string {
	return strings.TrimRight(tok.URL, "/") + "/" + url.PathEscape(p.documentID) + "?token=" + url.QueryEscape(tok.Token)
}

// session runs one connection and reports whether it got established.
func (p *Provider) session(ctx context.Context) (bool, error) {
	tok, err := p.token(ctx)
	if err != nil {
		return false, err
	}
	conn, _, err := p.opts.Dialer.DialContext(ctx, p.dialURL(tok), nil)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	p.mu.Lock()
	p.conn = conn
	p.synced = false
	if p.table == nil {
		p.table = awareness.New(p.doc.ClientID())
		p.unwatch = p.table.OnChange(p.presenceChanged)
	}
	table := p.table
	p.mu.Unlock()
	p.setStatus(StatusConnected)

	p.send(protocol.EncodeSyncStep1(p.doc.EncodeStateVector()))
	if table.LocalState() != nil {
		p.send(protocol.EncodePresence(table.Encode([]uint64{table.ClientID()})))
	}

	renewDone := make(chan struct{})
	go p.renew(ctx, table, renewDone)

	err = p.readLoop(conn, table)

	close(renewDone)
	p.mu.Lock()
	p.conn = nil
	p.mu.Unlock()
	conn.Close()

	// remote entries cannot be renewed once the link is gone
	var remote []uint64
	for _, id := range table.Clients() {
		if id != table.ClientID() {
			remote = append(remote, id)
		}
	}
	table.Remove(remote, p)
	return true, err
}

func (p *Provider) renew(ctx context.Context, table *awareness.Table, done <-chan struct{}) {
	ticker := time.NewTicker(p.opts.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			table.RenewLocal(p.opts.PresenceTimeout)
			table.RemoveOutdated(p.opts.PresenceTimeout, p)
		}
	}
}

func (p *Provider) readLoop(conn *websocket.Conn, table *awareness.Table) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			p.logger.Debug().Err(err).Msg("dropping undecodable message")
			continue
		}

		switch msg.Type {
		case protocol.MessageSync:
			p.handleSync(msg)
		case protocol.MessagePresence:
			if _, err := table.ApplyUpdate(msg.Payload, p); err != nil {
				p.logger.Debug().Err(err).Msg("dropping malformed presence")
			}
		case protocol.MessageQueryPresence:
			p.send(protocol.EncodePresence(table.Encode([]uint64{table.ClientID()})))
		case protocol.MessageAuth:
			p.logger.Warn().Str("reason", msg.Reason).Msg("write rejected by relay")
			p.mu.Lock()
			fns := append([]func(string){}, p.onDenied...)
			p.mu.Unlock()
			for _, fn := range fns {
				fn(msg.Reason)
			}
		}
	}
}

func (p *Provider) handleSync(msg protocol.Message) {
	switch msg.SubType {
	case protocol.SyncStep1:
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			p.logger.Debug().Err(err).Msg("dropping malformed state vector")
			return
		}
		p.send(protocol.EncodeSyncStep2(p.doc.EncodeStateAsUpdate(sv)))
	case protocol.SyncStep2, protocol.SyncUpdate:
		if err := p.doc.ApplyUpdate(msg.Payload); err != nil {
			p.logger.Debug().Err(err).Msg("dropping malformed update")
			return
		}
		if msg.SubType == protocol.SyncStep2 {
			p.markSynced()
		}
	}
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	if p.synced {
		p.mu.Unlock()
		return
	}
	p.synced = true
	fns := append([]func(){}, p.onSynced...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// presenceChanged forwards local presence changes; remote ones arrive with
// the provider as origin.
func (p *Provider) presenceChanged(change awareness.Change, origin any) {
	if origin != nil {
		return
	}
	p.mu.Lock()
	table := p.table
	p.mu.Unlock()
	p.send(protocol.EncodePresence(table.Encode(change.All())))
}

func (p *Provider) send(msg []byte) bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return false
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		p.logger.Debug().Err(err).Msg("write failed")
		return false
	}
	return true
}
