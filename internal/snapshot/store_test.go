package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collab-relay/internal/apiclient"
	"collab-relay/internal/crdt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docState(t *testing.T, text string) []byte {
	t.Helper()
	d := crdt.NewDocWithClient(7)
	require.NoError(t, d.Insert(0, text))
	return d.EncodeStateAsUpdate(nil)
}

// exercise runs the same round trip against any Store.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "doc-1")
	require.ErrorIs(t, err, ErrNotFound)

	state := docState(t, "hello")
	require.NoError(t, s.Put(ctx, "doc-1", state))

	got, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	replica := crdt.NewDoc()
	require.NoError(t, replica.ApplyUpdate(got))
	assert.Equal(t, "hello", replica.Text())

	_, err = s.Get(ctx, "doc-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	exercise(t, NewRedisStore(client, 0))
	assert.True(t, mr.Exists("snapshot:doc-1"))
}

func TestRedisStoreExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := NewRedisStore(client, time.Minute)
	require.NoError(t, s.Put(context.Background(), "doc-1", []byte{1}))
	mr.FastForward(2 * time.Minute)

	_, err := s.Get(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	exercise(t, s)
	require.NoError(t, s.Close())

	// survives reopen
	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestHTTPStore(t *testing.T) {
	var (
		mu    sync.Mutex
		saved = map[string][]byte{}
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/documents/", func(w http.ResponseWriter, r *http.Request) {
		id := filepath.Base(filepath.Dir(r.URL.Path))
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			b, _ := io.ReadAll(r.Body)
			saved[id] = b
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			b, ok := saved[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(apiclient.StateResponse{Snapshot: b})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exercise(t, NewHTTPStore(apiclient.New(srv.URL)))
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "snapshots/doc-1.bin", objectName("doc-1"))
}
