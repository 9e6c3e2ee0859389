package awareness

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLocalStatePropagatesToPeer(t *testing.T) {
	alice := New(1)
	server := New(0)

	change := alice.SetLocalState(json.RawMessage(`{"user":{"name":"alice"}}`))
	assert.Equal(t, []uint64{1}, change.Added)

	applied, err := server.ApplyUpdate(alice.Encode([]uint64{1}), "conn-a")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, applied.Added)
	assert.JSONEq(t, `{"user":{"name":"alice"}}`, string(server.States()[1]))

	alice.SetLocalState(json.RawMessage(`{"user":{"name":"alice","cursor":3}}`))
	applied, err = server.ApplyUpdate(alice.Encode([]uint64{1}), "conn-a")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, applied.Updated)
}

func TestStaleClockIsIgnored(t *testing.T) {
	alice := New(1)
	alice.SetLocalState(json.RawMessage(`{"v":1}`))
	old := alice.Encode([]uint64{1})
	alice.SetLocalState(json.RawMessage(`{"v":2}`))

	server := New(0)
	_, err := server.ApplyUpdate(alice.Encode([]uint64{1}), nil)
	require.NoError(t, err)
	change, err := server.ApplyUpdate(old, nil)
	require.NoError(t, err)
	assert.True(t, change.Empty())
	assert.JSONEq(t, `{"v":2}`, string(server.States()[1]))
}

func TestRemoveEncodesNullAtSameClock(t *testing.T) {
	server := New(0)
	peer := New(9)
	alice := New(1)
	alice.SetLocalState(json.RawMessage(`{"v":1}`))
	_, err := server.ApplyUpdate(alice.Encode([]uint64{1}), nil)
	require.NoError(t, err)
	_, err = peer.ApplyUpdate(server.EncodeAll(), nil)
	require.NoError(t, err)

	removed := server.Remove([]uint64{1}, nil)
	assert.Equal(t, []uint64{1}, removed.Removed)
	assert.Equal(t, 0, server.Len())

	change, err := peer.ApplyUpdate(server.Encode(removed.All()), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, change.Removed)
	assert.Equal(t, 0, peer.Len())
}

func TestRemoteCannotRemoveLocalState(t *testing.T) {
	alice := New(1)
	alice.SetLocalState(json.RawMessage(`{"v":1}`))

	server := New(0)
	_, err := server.ApplyUpdate(alice.Encode([]uint64{1}), nil)
	require.NoError(t, err)
	server.Remove([]uint64{1}, nil)

	change, err := alice.ApplyUpdate(server.Encode([]uint64{1}), nil)
	require.NoError(t, err)
	assert.True(t, change.Empty())
	assert.NotNil(t, alice.LocalState())
}

func TestObserversSeeChangesWithOrigin(t *testing.T) {
	table := New(0)
	var origins []any
	stop := table.OnChange(func(_ Change, origin any) { origins = append(origins, origin) })

	alice := New(1)
	alice.SetLocalState(json.RawMessage(`{}`))
	_, err := table.ApplyUpdate(alice.Encode([]uint64{1}), "session-1")
	require.NoError(t, err)
	// no-op removal, no notification
	table.Remove([]uint64{42}, "session-1")
	stop()
	table.Remove([]uint64{1}, "session-1")

	assert.Equal(t, []any{"session-1"}, origins)
}

func TestRemoveOutdated(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	server := New(0, WithNow(clock.now))

	for id := uint64(1); id <= 2; id++ {
		peer := New(id)
		peer.SetLocalState(json.RawMessage(`{}`))
		_, err := server.ApplyUpdate(peer.Encode([]uint64{id}), nil)
		require.NoError(t, err)
		clock.advance(20 * time.Second)
	}

	change := server.RemoveOutdated(DefaultTimeout, nil)
	assert.Equal(t, []uint64{1}, change.Removed)
	assert.Equal(t, []uint64{2}, server.Clients())
}

func TestRenewLocal(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	alice := New(1, WithNow(clock.now))
	assert.False(t, alice.RenewLocal(DefaultTimeout))

	alice.SetLocalState(json.RawMessage(`{}`))
	clock.advance(5 * time.Second)
	assert.False(t, alice.RenewLocal(DefaultTimeout))
	clock.advance(15 * time.Second)
	assert.True(t, alice.RenewLocal(DefaultTimeout))
}

func TestApplyRejectsMalformed(t *testing.T) {
	table := New(0)
	_, err := table.ApplyUpdate([]byte{1, 5}, nil)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	_, err = table.ApplyUpdate([]byte{1, 5, 1, 3, '{', '{', '{'}, nil)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}
