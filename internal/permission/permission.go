// Package permission resolves what a user may do with a document.
package permission

import (
	"context"
	"strings"
)

type Level int

const (
	None Level = iota
	View
	Edit
	Admin
)

func (l Level) String() string {
	switch l {
	case View:
		return "view"
	case Edit:
		return "edit"
	case Admin:
		return "admin"
	default:
		return "none"
	}
}

func (l Level) CanView() bool  { return l >= View }
func (l Level) CanEdit() bool  { return l >= Edit }
func (l Level) CanAdmin() bool { return l >= Admin }

// ParseRole maps a stored role name onto a level. Unknown roles grant
// nothing.
func ParseRole(role string) Level {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "owner", "admin":
		return Admin
	case "editor", "edit", "writer":
		return Edit
	case "viewer", "view", "commenter", "reader":
		return View
	default:
		return None
	}
}

// Result is the answer handed to the gateway.
type Result struct {
	CanView  bool `json:"canView"`
	CanEdit  bool `json:"canEdit"`
	CanAdmin bool `json:"canAdmin"`
	IsOwner  bool `json:"isOwner"`
}

// Level collapses the capability flags back into a level.
func (r Result) Level() Level {
	switch {
	case r.IsOwner || r.CanAdmin:
		return Admin
	case r.CanEdit:
		return Edit
	case r.CanView:
		return View
	default:
		return None
	}
}

func ResultFor(l Level, owner bool) Result {
	return Result{
		CanView:  l.CanView(),
		CanEdit:  l.CanEdit(),
		CanAdmin: l.CanAdmin(),
		IsOwner:  owner,
	}
}

// Principal identifies the caller whose access is resolved.
type Principal struct {
	UserID string
	Email  string
}

type Resolver interface {
	Resolve(ctx context.Context, p Principal, documentID string) (Result, error)
}

// Facts is everything the precedence rules look at. Empty role strings mean
// no such relation exists.
type Facts struct {
	DocumentOwner    bool
	WorkspaceOwner   bool
	CollaboratorRole string
	MemberRole       string
	PendingInvite    bool
}

// Decide applies the precedence: document owner, workspace owner,
// document collaborator role, workspace member role, pending invite (view
// only), nothing.
func Decide(f Facts) Result {
	switch {
	case f.DocumentOwner:
		return ResultFor(Admin, true)
	case f.WorkspaceOwner:
		return ResultFor(Admin, false)
	case f.CollaboratorRole != "":
		return ResultFor(ParseRole(f.CollaboratorRole), false)
	case f.MemberRole != "":
		return ResultFor(ParseRole(f.MemberRole), false)
	case f.PendingInvite:
		return ResultFor(View, false)
	default:
		return Result{}
	}
}
