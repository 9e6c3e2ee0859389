// Package snapshot persists full document states keyed by document id.
package snapshot

import (
	"context"
	"errors"

	"collab-relay/internal/apiclient"
)

var ErrNotFound = errors.New("snapshot: not found")

// Store gets and puts opaque document states.
type Store interface {
	Get(ctx context.Context, documentID string) ([]byte, error)
	Put(ctx context.Context, documentID string, state []byte) error
}

// HTTPStore keeps snapshots behind the CRUD API.
type HTTPStore struct {
	api *apiclient.Client
}

func NewHTTPStore(api *apiclient.Client) *HTTPStore {
	return &HTTPStore{api: api}
}

func (s *HTTPStore) Get(ctx context.Context, documentID string) ([]byte, error) {
	state, err := s.api.FetchDocumentState(ctx, documentID)
	if errors.Is(err, apiclient.ErrNotFound) {
		return nil, ErrNotFound
	}
	return state, err
}

func (s *HTTPStore) Put(ctx context.Context, documentID string, state []byte) error {
	return s.api.SaveSnapshot(ctx, documentID, state)
}
