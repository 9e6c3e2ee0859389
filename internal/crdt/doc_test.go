package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureUpdates(d *Doc) *[][]byte {
	var updates [][]byte
	d.Observe(func(update []byte, local bool) {
		if local {
			updates = append(updates, update)
		}
	})
	return &updates
}

func TestInsertAndDelete(t *testing.T) {
	d := NewDocWithClient(1)

	require.NoError(t, d.Insert(0, "hello"))
	require.NoError(t, d.Insert(5, " world"))
	require.NoError(t, d.Insert(0, ">"))
	assert.Equal(t, ">hello world", d.Text())

	require.NoError(t, d.Delete(0, 1))
	require.NoError(t, d.Delete(5, 6))
	assert.Equal(t, "hello", d.Text())
	assert.Equal(t, 5, d.Len())
}

func TestInsertOutOfRange(t *testing.T) {
	d := NewDocWithClient(1)
	assert.ErrorIs(t, d.Insert(3, "x"), ErrOutOfRange)
	assert.ErrorIs(t, d.Delete(0, 1), ErrOutOfRange)
}

func TestFullStateRoundTrip(t *testing.T) {
	a := NewDocWithClient(1)
	require.NoError(t, a.Insert(0, "héllo"))
	require.NoError(t, a.SetMeta(map[string]any{"title": "Draft"}))

	b := NewDocWithClient(2)
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil)))

	assert.Equal(t, "héllo", b.Text())
	title, ok := b.MetaString("title")
	require.True(t, ok)
	assert.Equal(t, "Draft", title)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestDiffAgainstStateVector(t *testing.T) {
	a := NewDocWithClient(1)
	require.NoError(t, a.Insert(0, "abc"))

	b := NewDocWithClient(2)
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil)))

	require.NoError(t, a.Insert(3, "def"))
	sv, err := DecodeStateVector(b.EncodeStateVector())
	require.NoError(t, err)

	diff := a.EncodeStateAsUpdate(sv)
	ops, err := decodeUpdate(diff)
	require.NoError(t, err)
	assert.Len(t, ops, 3)

	require.NoError(t, b.ApplyUpdate(diff))
	assert.Equal(t, "abcdef", b.Text())
}

func TestOutOfOrderDeliveryIsBuffered(t *testing.T) {
	a := NewDocWithClient(1)
	updates := captureUpdates(a)
	require.NoError(t, a.Insert(0, "ab"))
	require.NoError(t, a.Insert(2, "c"))
	require.NoError(t, a.Delete(0, 1))

	b := NewDocWithClient(2)
	for i := len(*updates) - 1; i >= 0; i-- {
		require.NoError(t, b.ApplyUpdate((*updates)[i]))
	}
	assert.Equal(t, 0, b.PendingCount())
	assert.Equal(t, "bc", b.Text())
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestDuplicateUpdatesAreIdempotent(t *testing.T) {
	a := NewDocWithClient(1)
	require.NoError(t, a.Insert(0, "xyz"))
	full := a.EncodeStateAsUpdate(nil)

	b := NewDocWithClient(2)
	require.NoError(t, b.ApplyUpdate(full))
	require.NoError(t, b.ApplyUpdate(full))
	assert.Equal(t, "xyz", b.Text())
}

func TestMetaLastWriterWins(t *testing.T) {
	a := NewDocWithClient(1)
	b := NewDocWithClient(2)
	require.NoError(t, a.SetMeta(map[string]any{"title": "from a"}))
	require.NoError(t, b.SetMeta(map[string]any{"title": "from b"}))

	fromA := a.EncodeStateAsUpdate(nil)
	fromB := b.EncodeStateAsUpdate(nil)
	require.NoError(t, a.ApplyUpdate(fromB))
	require.NoError(t, b.ApplyUpdate(fromA))

	ta, _ := a.MetaString("title")
	tb, _ := b.MetaString("title")
	assert.Equal(t, ta, tb)
	// equal lamport, higher client wins
	assert.Equal(t, "from b", ta)
}

func TestMalformedUpdate(t *testing.T) {
	d := NewDocWithClient(1)
	assert.ErrorIs(t, d.ApplyUpdate([]byte{0x0a, 0xff}), ErrMalformedUpdate)
	_, err := DecodeStateVector([]byte{0x02, 0x01})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestMergeUpdates(t *testing.T) {
	a := NewDocWithClient(1)
	updates := captureUpdates(a)
	require.NoError(t, a.Insert(0, "one"))
	require.NoError(t, a.Insert(3, " two"))

	merged, err := MergeUpdates(append(*updates, (*updates)[0])...)
	require.NoError(t, err)

	b := NewDocWithClient(2)
	require.NoError(t, b.ApplyUpdate(merged))
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestObserveRemoteAndUnsubscribe(t *testing.T) {
	a := NewDocWithClient(1)
	require.NoError(t, a.Insert(0, "hi"))

	b := NewDocWithClient(2)
	var remote int
	stop := b.Observe(func(_ []byte, local bool) {
		if !local {
			remote++
		}
	})
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil)))
	// nothing new, no notification
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil)))
	stop()
	require.NoError(t, a.Insert(2, "!"))
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil)))

	assert.Equal(t, 1, remote)
}

// Concurrent edits from several replicas, delivered to fresh replicas in
// random interleavings, always converge to the same state hash.
func TestConvergenceUnderRandomDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	base := NewDocWithClient(100)
	require.NoError(t, base.Insert(0, "shared base"))
	baseState := base.EncodeStateAsUpdate(nil)

	var all [][]byte
	for client := uint64(1); client <= 4; client++ {
		d := NewDocWithClient(client)
		require.NoError(t, d.ApplyUpdate(baseState))
		updates := captureUpdates(d)
		for i := 0; i < 25; i++ {
			n := d.Len()
			switch {
			case n > 0 && rng.Intn(3) == 0:
				require.NoError(t, d.Delete(rng.Intn(n), 1))
			case rng.Intn(5) == 0:
				require.NoError(t, d.SetMeta(map[string]any{"title": rng.Intn(1000)}))
			default:
				require.NoError(t, d.Insert(rng.Intn(n+1), string(rune('a'+rng.Intn(26)))))
			}
		}
		all = append(all, *updates...)
	}

	var want [32]byte
	var wantText string
	for round := 0; round < 20; round++ {
		order := rng.Perm(len(all))
		d := NewDocWithClient(uint64(1000 + round))
		require.NoError(t, d.ApplyUpdate(baseState))
		for _, i := range order {
			require.NoError(t, d.ApplyUpdate(all[i]))
		}
		require.Equal(t, 0, d.PendingCount())
		if round == 0 {
			want, wantText = d.Hash(), d.Text()
			continue
		}
		require.Equal(t, wantText, d.Text(), "round %d", round)
		require.Equal(t, want, d.Hash(), "round %d", round)
	}
}
