// Package apiclient talks to the document CRUD API: permission lookups,
// snapshot load and save, and connection credentials.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collab-relay/internal/crdt"
	"collab-relay/internal/permission"
)

var ErrNotFound = errors.New("apiclient: not found")

type Client struct {
	baseURL    string
	prefix     string
	bearer     string
	httpClient *http.Client
}

type Option func(*Client)

// WithBearer sends token as a bearer credential on every request.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithPathPrefix changes the document route prefix. The relay uses the
// internal routes; editors use the public ones.
func WithPathPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = strings.TrimRight(prefix, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  "/internal/documents",
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) url(documentID, suffix string) string {
	return fmt.Sprintf("%s%s/%s%s", c.baseURL, c.prefix, url.PathEscape(documentID), suffix)
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("api %s %s: status=%d body=%s", method, u, resp.StatusCode, string(b))
	}
	return resp, nil
}

type UpdateDTO struct {
	Seq    uint64 `json:"seq"`
	Binary []byte `json:"binary"`
}

type StateResponse struct {
	Snapshot    []byte      `json:"snapshot"`
	SnapshotSeq uint64      `json:"snapshot_seq"`
	Updates     []UpdateDTO `json:"updates"`
}

// FetchDocumentState returns the last snapshot with every later update
// merged in. A document without any state yields ErrNotFound.
func (c *Client) FetchDocumentState(ctx context.Context, documentID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url(documentID, "/last-state"), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload StateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode state of %s: %w", documentID, err)
	}
	if len(payload.Snapshot) == 0 && len(payload.Updates) == 0 {
		return nil, ErrNotFound
	}
	if len(payload.Updates) == 0 {
		return payload.Snapshot, nil
	}

	parts := make([][]byte, 0, len(payload.Updates)+1)
	if len(payload.Snapshot) > 0 {
		parts = append(parts, payload.Snapshot)
	}
	for _, u := range payload.Updates {
		parts = append(parts, u.Binary)
	}
	merged, err := crdt.MergeUpdates(parts...)
	if err != nil {
		return nil, fmt.Errorf("merge state of %s: %w", documentID, err)
	}
	return merged, nil
}

// SaveSnapshot stores state as the document's latest snapshot.
func (c *Client) SaveSnapshot(ctx context.Context, documentID string, state []byte) error {
	resp, err := c.do(ctx, http.MethodPost, c.url(documentID, "/snapshot"), bytes.NewReader(state), "application/octet-stream")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// SendBeacon delivers state in the background and returns at once. The
// outcome is not reported.
func (c *Client) SendBeacon(documentID string, state []byte) bool {
	body := append([]byte(nil), state...)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.SaveSnapshot(ctx, documentID, body)
	}()
	return true
}

type roleResponse struct {
	Role string `json:"role"`
}

// FetchRole asks for the role of a user on a document.
func (c *Client) FetchRole(ctx context.Context, documentID, userID, email string) (string, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	if email != "" {
		q.Set("email", email)
	}
	resp, err := c.do(ctx, http.MethodGet, c.url(documentID, "/permission")+"?"+q.Encode(), nil, "")
	if errors.Is(err, ErrNotFound) {
		return "none", nil
	}
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload roleResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode role: %w", err)
	}
	return payload.Role, nil
}

// Resolve makes the client a permission.Resolver backed by the API.
func (c *Client) Resolve(ctx context.Context, p permission.Principal, documentID string) (permission.Result, error) {
	role, err := c.FetchRole(ctx, documentID, p.UserID, p.Email)
	if err != nil {
		return permission.Result{}, err
	}
	return permission.ResultFor(permission.ParseRole(role), strings.EqualFold(role, "owner")), nil
}

// ConnectionToken is a short-lived credential and the relay url to use it on.
type ConnectionToken struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (c *Client) FetchConnectionToken(ctx context.Context, documentID string) (ConnectionToken, error) {
	resp, err := c.do(ctx, http.MethodPost, c.url(documentID, "/connection-token"), nil, "")
	if err != nil {
		return ConnectionToken{}, err
	}
	defer resp.Body.Close()

	var tok ConnectionToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return ConnectionToken{}, fmt.Errorf("decode connection token: %w", err)
	}
	if tok.Token == "" {
		return ConnectionToken{}, errors.New("api returned an empty connection token")
	}
	return tok, nil
}
