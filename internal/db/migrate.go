package db

import (
	"fmt"

	"collab-relay/internal/permission"

	"gorm.io/gorm"
)

// Migrate creates the tables the permission resolver reads.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(permission.Models()...); err != nil {
		return fmt.Errorf("migrate permission schema: %w", err)
	}
	return nil
}

// SeedDemo inserts a workspace with one document owned by owner and the
// given collaborators, for local development. Existing rows are kept.
func SeedDemo(conn *gorm.DB, owner, documentID string, collaborators map[string]string) error {
	return conn.Transaction(func(tx *gorm.DB) error {
		ws := permission.Workspace{ID: "ws-demo", OwnerID: owner}
		if err := tx.FirstOrCreate(&ws, permission.Workspace{ID: ws.ID}).Error; err != nil {
			return err
		}
		doc := permission.Document{ID: documentID, OwnerID: owner, WorkspaceID: &ws.ID}
		if err := tx.FirstOrCreate(&doc, permission.Document{ID: documentID}).Error; err != nil {
			return err
		}
		for userID, role := range collaborators {
			c := permission.DocumentCollaborator{DocumentID: documentID, UserID: userID, Role: role}
			if err := tx.Where(permission.DocumentCollaborator{DocumentID: documentID, UserID: userID}).
				FirstOrCreate(&c).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
