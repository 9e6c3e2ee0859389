package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// DBResolver reads permission facts straight from the CRUD API's database.
type DBResolver struct {
	db *gorm.DB
}

func NewDBResolver(db *gorm.DB) *DBResolver {
	return &DBResolver{db: db}
}

func (r *DBResolver) Resolve(ctx context.Context, p Principal, documentID string) (Result, error) {
	facts, err := r.Facts(ctx, p, documentID)
	if err != nil {
		return Result{}, err
	}
	return Decide(facts), nil
}

// Facts gathers every relation between p and the document. A missing
// document yields empty facts.
func (r *DBResolver) Facts(ctx context.Context, p Principal, documentID string) (Facts, error) {
	tx := r.db.WithContext(ctx)

	var doc Document
	if err := tx.First(&doc, "id = ?", documentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Facts{}, nil
		}
		return Facts{}, fmt.Errorf("load document %s: %w", documentID, err)
	}

	var f Facts
	f.DocumentOwner = p.UserID != "" && doc.OwnerID == p.UserID

	if err := tx.Model(&DocumentCollaborator{}).
		Where("document_id = ? AND user_id = ?", documentID, p.UserID).
		Select("role").
		Scan(&f.CollaboratorRole).Error; err != nil {
		return Facts{}, fmt.Errorf("load collaborator role: %w", err)
	}

	if doc.WorkspaceID != nil {
		var ws Workspace
		err := tx.First(&ws, "id = ?", *doc.WorkspaceID).Error
		switch {
		case err == nil:
			f.WorkspaceOwner = p.UserID != "" && ws.OwnerID == p.UserID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return Facts{}, fmt.Errorf("load workspace: %w", err)
		}

		if err := tx.Model(&WorkspaceMember{}).
			Where("workspace_id = ? AND user_id = ?", *doc.WorkspaceID, p.UserID).
			Select("role").
			Scan(&f.MemberRole).Error; err != nil {
			return Facts{}, fmt.Errorf("load membership role: %w", err)
		}
	}

	if p.Email != "" {
		q := tx.Model(&Invite{}).
			Where("LOWER(email) = ? AND status = ?", strings.ToLower(p.Email), InviteStatusPending)
		if doc.WorkspaceID != nil {
			q = q.Where("document_id = ? OR workspace_id = ?", documentID, *doc.WorkspaceID)
		} else {
			q = q.Where("document_id = ?", documentID)
		}
		var n int64
		if err := q.Count(&n).Error; err != nil {
			return Facts{}, fmt.Errorf("load invites: %w", err)
		}
		f.PendingInvite = n > 0
	}
	return f, nil
}
