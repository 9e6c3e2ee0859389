package client

import (
	"encoding/json"
	"hash/fnv"
	"time"

	"collab-relay/internal/awareness"
)

// User is what other editors see of us.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Color     string `json:"color"`
}

// Record is the presence state published for one editor.
type Record struct {
	User User  `json:"user"`
	TS   int64 `json:"ts"`
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46a0a8", "#f032e6", "#9a6324",
	"#800000", "#808000", "#000075", "#e6a800",
}

// ColorFor picks a stable color for userID.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

func encodeRecord(u User, now time.Time) json.RawMessage {
	b, _ := json.Marshal(Record{User: u, TS: now.UnixMilli()})
	return b
}

// Presence is the one presence surface the controller works with, whether
// or not a transport carries it.
type Presence interface {
	SetLocalState(state json.RawMessage)
	LocalState() json.RawMessage
	States() map[uint64]json.RawMessage
	Clear()
	OnChange(fn func()) (unsubscribe func())
	Networked() bool
}

type tablePresence struct {
	table     *awareness.Table
	networked bool
}

// NetworkPresence adapts a table that a transport keeps in sync.
func NetworkPresence(t *awareness.Table) Presence {
	return &tablePresence{table: t, networked: true}
}

// StandalonePresence keeps presence for this editor only.
func StandalonePresence(clientID uint64) Presence {
	return &tablePresence{table: awareness.New(clientID)}
}

func (p *tablePresence) SetLocalState(state json.RawMessage) { p.table.SetLocalState(state) }

func (p *tablePresence) LocalState() json.RawMessage { return p.table.LocalState() }

func (p *tablePresence) States() map[uint64]json.RawMessage { return p.table.States() }

func (p *tablePresence) Clear() {
	if p.table.LocalState() != nil {
		p.table.SetLocalState(nil)
	}
}

func (p *tablePresence) OnChange(fn func()) func() {
	return p.table.OnChange(func(awareness.Change, any) { fn() })
}

func (p *tablePresence) Networked() bool { return p.networked }

// Users decodes every live record in p, skipping malformed ones.
func Users(p Presence) map[uint64]User {
	users := make(map[uint64]User)
	for id, raw := range p.States() {
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		users[id] = r.User
	}
	return users
}
