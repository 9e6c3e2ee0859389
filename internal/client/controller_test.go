package client

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collab-relay/internal/apiclient"
	"collab-relay/internal/awareness"
	"collab-relay/internal/crdt"
	"collab-relay/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

// journal records the order of side effects across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(e string) int {
	n := 0
	for _, x := range j.list() {
		if x == e {
			n++
		}
	}
	return n
}

type fakeAPI struct {
	log *journal

	mu       sync.Mutex
	state    []byte
	stateErr error
	saved    []byte
	saveErr  error
	tokenErr error
}

func (a *fakeAPI) FetchDocumentState(context.Context, string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stateErr != nil {
		return nil, a.stateErr
	}
	if a.state == nil {
		return nil, apiclient.ErrNotFound
	}
	return a.state, nil
}

func (a *fakeAPI) SaveSnapshot(_ context.Context, _ string, state []byte) error {
	a.log.add("remote")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saveErr != nil {
		return a.saveErr
	}
	a.saved = state
	return nil
}

func (a *fakeAPI) FetchConnectionToken(context.Context, string) (apiclient.ConnectionToken, error) {
	a.log.add("token")
	if a.tokenErr != nil {
		return apiclient.ConnectionToken{}, a.tokenErr
	}
	return apiclient.ConnectionToken{Token: "tok", URL: "ws://relay"}, nil
}

type beaconAPI struct {
	*fakeAPI
}

func (b beaconAPI) SendBeacon(string, []byte) bool {
	b.log.add("beacon")
	return true
}

type memStore struct {
	log *journal

	mu    sync.Mutex
	items map[string][]byte
}

func (s *memStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.items[id]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	return b, nil
}

func (s *memStore) Put(_ context.Context, id string, state []byte) error {
	s.log.add("local")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = state
	return nil
}

type fakeTransport struct {
	mu          sync.Mutex
	status      Status
	table       *awareness.Table
	readyAfter  int
	polls       int
	connects    int
	disconnects int
	destroys    int
	onStatus    []func(Status)
	onSynced    []func()
	onRejected  []func(int, string)
	token       TokenFunc
}

func (t *fakeTransport) Connect(context.Context) {
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()
	t.set(StatusConnected)
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
	t.set(StatusDisconnected)
}

func (t *fakeTransport) Destroy() {
	t.mu.Lock()
	t.destroys++
	t.mu.Unlock()
}

func (t *fakeTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *fakeTransport) Awareness() *awareness.Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.polls++
	if t.polls <= t.readyAfter {
		return nil
	}
	return t.table
}

func (t *fakeTransport) OnStatus(fn func(Status)) {
	t.mu.Lock()
	t.onStatus = append(t.onStatus, fn)
	t.mu.Unlock()
}

func (t *fakeTransport) OnSynced(fn func()) {
	t.mu.Lock()
	t.onSynced = append(t.onSynced, fn)
	t.mu.Unlock()
}

func (t *fakeTransport) OnDenied(func(string)) {}

func (t *fakeTransport) OnRejected(fn func(int, string)) {
	t.mu.Lock()
	t.onRejected = append(t.onRejected, fn)
	t.mu.Unlock()
}

func (t *fakeTransport) set(s Status) {
	t.mu.Lock()
	t.status = s
	fns := append([]func(Status){}, t.onStatus...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (t *fakeTransport) synced() {
	t.mu.Lock()
	fns := append([]func(){}, t.onSynced...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *fakeTransport) dialToken() (apiclient.ConnectionToken, error) {
	t.mu.Lock()
	token := t.token
	t.mu.Unlock()
	return token(context.Background())
}

func (t *fakeTransport) reject(code int, reason string) {
	t.mu.Lock()
	fns := append([]func(int, string){}, t.onRejected...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(code, reason)
	}
}

func (t *fakeTransport) counts() (connects, disconnects, destroys int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects, t.disconnects, t.destroys
}

type sleeper struct {
	mu    sync.Mutex
	calls int
}

func (s *sleeper) Sleep(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil
}

func (s *sleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	log       *journal
	api       *fakeAPI
	store     *memStore
	transport *fakeTransport
	sleeper   *sleeper
	opts      Options
}

func newFixture() *fixture {
	log := &journal{}
	f := &fixture{
		log:       log,
		api:       &fakeAPI{log: log},
		store:     &memStore{log: log, items: map[string][]byte{}},
		transport: &fakeTransport{status: StatusDisconnected},
		sleeper:   &sleeper{},
	}
	f.opts = DefaultOptions()
	f.opts.User = User{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	f.opts.Sleep = f.sleeper.Sleep
	f.opts.Transport = func(_ string, doc *crdt.Doc, token TokenFunc) Transport {
		f.transport.mu.Lock()
		f.transport.token = token
		if f.transport.table == nil {
			f.transport.table = awareness.New(doc.ClientID())
		}
		f.transport.mu.Unlock()
		return f.transport
	}
	return f
}

func (f *fixture) start(t *testing.T, api API) *Controller {
	t.Helper()
	if api == nil {
		api = f.api
	}
	c := New("doc-1", api, f.store, f.opts)
	t.Cleanup(c.Close)
	require.NoError(t, c.Start(context.Background()))
	return c
}

func TestLocalFallbackEqualsInitialState(t *testing.T) {
	store, err := snapshot.OpenBoltStore(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer store.Close()

	seed := crdt.NewDoc()
	require.NoError(t, seed.Insert(0, "written offline"))
	require.NoError(t, seed.SetMeta(map[string]any{"title": "Draft"}))
	require.NoError(t, store.Put(context.Background(), "doc-1", seed.EncodeStateAsUpdate(nil)))

	f := newFixture()
	f.api.stateErr = errors.New("network down")
	c := New("doc-1", f.api, store, f.opts)
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, seed.Hash(), c.Doc().Hash())
	assert.Equal(t, "written offline", c.Doc().Text())
}

func TestRemoteSnapshotPreferred(t *testing.T) {
	remote := crdt.NewDoc()
	require.NoError(t, remote.Insert(0, "remote"))

	f := newFixture()
	f.api.state = remote.EncodeStateAsUpdate(nil)
	f.store.items["doc-1"] = []byte("never read")
	c := f.start(t, nil)

	assert.Equal(t, "remote", c.Doc().Text())
}

func TestNewDocumentStartsEmpty(t *testing.T) {
	f := newFixture()
	c := f.start(t, nil)
	assert.Equal(t, "", c.Doc().Text())
	assert.Equal(t, StateConnected, c.State())
}

func TestCredentialFailureDegradesToStandalone(t *testing.T) {
	f := newFixture()
	f.api.tokenErr = errors.New("issuer down")
	f.store.items["doc-1"] = func() []byte {
		d := crdt.NewDoc()
		require.NoError(t, d.Insert(0, "backup"))
		return d.EncodeStateAsUpdate(nil)
	}()
	f.api.stateErr = errors.New("network down")
	c := f.start(t, nil)

	assert.NotEqual(t, StateError, c.State())
	assert.Equal(t, "backup", c.Doc().Text())
	assert.Equal(t, NoticeCollaborationUnavailable, c.Notice())
	p := c.Presence()
	require.NotNil(t, p)
	assert.False(t, p.Networked())
	assert.NotNil(t, p.LocalState())
	require.NoError(t, c.Doc().Insert(0, "still editable "))

	// later dials ask again instead of reusing a credential that never came
	_, err := f.transport.dialToken()
	require.Error(t, err)
	f.api.mu.Lock()
	f.api.tokenErr = nil
	f.api.mu.Unlock()
	tok, err := f.transport.dialToken()
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.Token)
	assert.Equal(t, 3, f.log.count("token"))
}

func TestSyncMovesStandalonePresenceOntoTransport(t *testing.T) {
	f := newFixture()
	f.api.tokenErr = errors.New("issuer down")
	c := f.start(t, nil)
	require.False(t, c.Presence().Networked())
	standalone := c.Presence()

	f.transport.synced()

	p := c.Presence()
	require.True(t, p.Networked())
	assert.Empty(t, c.Notice())
	assert.Nil(t, standalone.LocalState())
	var rec Record
	require.NoError(t, json.Unmarshal(p.LocalState(), &rec))
	assert.Equal(t, "u1", rec.User.ID)
}

func TestFirstCredentialIsReusedOnce(t *testing.T) {
	f := newFixture()
	f.start(t, nil)
	require.Equal(t, 1, f.log.count("token"))

	_, err := f.transport.dialToken()
	require.NoError(t, err)
	assert.Equal(t, 1, f.log.count("token"))
	_, err = f.transport.dialToken()
	require.NoError(t, err)
	assert.Equal(t, 2, f.log.count("token"))
}

func TestStateTransitions(t *testing.T) {
	f := newFixture()
	c := New("doc-1", f.api, f.store, f.opts)
	defer c.Close()

	var mu sync.Mutex
	var seen []State
	c.OnState(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	require.NoError(t, c.Start(context.Background()))
	f.transport.set(StatusDisconnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateInitializing, StateConnecting, StateConnected, StateDisconnected}, seen)
}

func TestRejectionIsTerminal(t *testing.T) {
	f := newFixture()
	c := f.start(t, nil)

	f.transport.reject(4404, "permission revoked")
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, "permission revoked", c.Notice())

	f.transport.set(StatusConnected)
	assert.Equal(t, StateError, c.State())
}

func TestPresenceAcquiredAfterRetries(t *testing.T) {
	f := newFixture()
	f.transport.readyAfter = 3
	c := f.start(t, nil)

	require.Eventually(t, func() bool { return c.Presence() != nil }, wait, tick)
	p := c.Presence()
	assert.True(t, p.Networked())
	assert.Equal(t, 3, f.sleeper.count())
	assert.Empty(t, c.Notice())

	require.Eventually(t, func() bool { return p.LocalState() != nil }, wait, tick)
	var rec Record
	require.NoError(t, json.Unmarshal(p.LocalState(), &rec))
	assert.Equal(t, "Ada", rec.User.Name)
	assert.Equal(t, ColorFor("u1"), rec.User.Color)
}

func TestPresenceFallsBackToStandalone(t *testing.T) {
	f := newFixture()
	f.transport.readyAfter = 1 << 30
	c := f.start(t, nil)

	require.Eventually(t, func() bool { return c.Presence() != nil }, wait, tick)
	assert.False(t, c.Presence().Networked())
	assert.Equal(t, NoticeCollaborationUnavailable, c.Notice())

	interval, timeout := f.opts.PresenceInterval, f.opts.PresenceTimeout
	assert.Equal(t, int((timeout+interval-1)/interval), f.sleeper.count())
	require.Eventually(t, func() bool { return c.Presence().LocalState() != nil }, wait, tick)
	// editing still works
	require.NoError(t, c.Doc().Insert(0, "solo"))
}

func TestPresenceAcquisitionStopsOnClose(t *testing.T) {
	f := newFixture()
	f.transport.readyAfter = 1 << 30
	entered := make(chan struct{}, 1)
	returned := make(chan struct{})
	f.opts.Sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		close(returned)
		return ctx.Err()
	}
	c := New("doc-1", f.api, f.store, f.opts)
	require.NoError(t, c.Start(context.Background()))

	<-entered
	c.Close()
	select {
	case <-returned:
	case <-time.After(wait):
		t.Fatal("presence acquisition did not stop")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, c.Presence())
}

func TestEveryNthMutationArmsDebouncedSave(t *testing.T) {
	f := newFixture()
	f.opts.SaveEvery = 3
	f.opts.SaveDebounce = 20 * time.Millisecond
	f.opts.MinSaveInterval = 0
	c := f.start(t, nil)

	require.NoError(t, c.Doc().Insert(0, "a"))
	require.NoError(t, c.Doc().Insert(1, "b"))
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, f.log.count("remote"))

	require.NoError(t, c.Doc().Insert(2, "c"))
	require.Eventually(t, func() bool { return f.log.count("remote") == 1 }, wait, tick)

	saved, err := f.store.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	replica := crdt.NewDoc()
	require.NoError(t, replica.ApplyUpdate(saved))
	assert.Equal(t, "abc", replica.Text())
}

func TestRemoteUpdatesArmNoSave(t *testing.T) {
	f := newFixture()
	f.opts.SaveEvery = 1
	f.opts.SaveDebounce = 5 * time.Millisecond
	f.opts.MinSaveInterval = 0
	c := f.start(t, nil)

	peer := crdt.NewDoc()
	for i := 0; i < 10; i++ {
		require.NoError(t, peer.Insert(peer.Len(), "x"))
		require.NoError(t, c.Doc().ApplyUpdate(peer.EncodeStateAsUpdate(nil)))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 10, c.Doc().Len())
	assert.Equal(t, 0, f.log.count("local"))
	assert.Equal(t, 0, f.log.count("remote"))

	require.NoError(t, c.Doc().Insert(0, "mine "))
	require.Eventually(t, func() bool { return f.log.count("remote") == 1 }, wait, tick)
}

func TestAutomaticSavesKeepMinimumSpacing(t *testing.T) {
	f := newFixture()
	f.opts.SaveEvery = 1
	f.opts.SaveDebounce = 5 * time.Millisecond
	f.opts.MinSaveInterval = 300 * time.Millisecond
	c := f.start(t, nil)

	require.NoError(t, c.SaveNow(context.Background()))
	require.NoError(t, c.Doc().Insert(0, "x"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.log.count("remote"))
	require.Eventually(t, func() bool { return f.log.count("remote") == 2 }, wait, tick)
}

func TestSaveWritesLocalBeforeRemote(t *testing.T) {
	f := newFixture()
	c := f.start(t, nil)
	require.NoError(t, c.Doc().Insert(0, "hello"))

	require.NoError(t, c.SaveNow(context.Background()))
	assert.Equal(t, []string{"token", "local", "remote"}, f.log.list())
}

func TestRemoteSaveFailureKeepsLocalCopy(t *testing.T) {
	f := newFixture()
	f.api.saveErr = errors.New("503")
	c := f.start(t, nil)
	require.NoError(t, c.Doc().Insert(0, "keep me"))

	require.Error(t, c.SaveNow(context.Background()))
	_, err := f.store.Get(context.Background(), "doc-1")
	assert.NoError(t, err)
	assert.NotEqual(t, StateError, c.State())
}

func TestUnloadPrefersBeacon(t *testing.T) {
	f := newFixture()
	c := f.start(t, beaconAPI{f.api})
	require.NoError(t, c.Doc().Insert(0, "bye"))

	c.Unload()
	assert.Equal(t, []string{"token", "local", "beacon"}, f.log.list())
}

func TestUnloadWithoutBeaconBlocks(t *testing.T) {
	f := newFixture()
	c := f.start(t, nil)
	require.NoError(t, c.Doc().Insert(0, "bye"))

	c.Unload()
	assert.Equal(t, []string{"token", "local", "remote"}, f.log.list())
}

func TestHiddenClearsPresenceThenDisconnects(t *testing.T) {
	f := newFixture()
	f.opts.VisibilityDebounce = 10 * time.Millisecond
	f.opts.IdleDisconnect = 60 * time.Millisecond
	c := f.start(t, nil)
	require.Eventually(t, func() bool {
		p := c.Presence()
		return p != nil && p.LocalState() != nil
	}, wait, tick)

	c.SetHidden(true)
	require.Eventually(t, func() bool { return c.Presence().LocalState() == nil }, wait, tick)
	require.Eventually(t, func() bool {
		_, disconnects, _ := f.transport.counts()
		return disconnects == 1
	}, wait, tick)
	assert.Equal(t, StateDisconnected, c.State())

	c.SetHidden(false)
	require.Eventually(t, func() bool {
		connects, _, _ := f.transport.counts()
		return connects == 2 && c.Presence().LocalState() != nil
	}, wait, tick)
	assert.Equal(t, StateConnected, c.State())
	_, _, destroys := f.transport.counts()
	assert.Zero(t, destroys)
}

func TestVisibilityFlickerIsDebounced(t *testing.T) {
	f := newFixture()
	f.opts.VisibilityDebounce = 30 * time.Millisecond
	f.opts.IdleDisconnect = 10 * time.Millisecond
	c := f.start(t, nil)
	require.Eventually(t, func() bool {
		p := c.Presence()
		return p != nil && p.LocalState() != nil
	}, wait, tick)

	c.SetHidden(true)
	c.SetHidden(false)
	time.Sleep(100 * time.Millisecond)

	assert.NotNil(t, c.Presence().LocalState())
	_, disconnects, _ := f.transport.counts()
	assert.Zero(t, disconnects)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture()
	c := f.start(t, nil)

	c.Close()
	c.Close()
	_, _, destroys := f.transport.counts()
	assert.Equal(t, 1, destroys)
	assert.ErrorIs(t, c.SaveNow(context.Background()), ErrClosed)
}
