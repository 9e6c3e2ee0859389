package permission

import "time"

// The tables below are owned by the CRUD API; the relay only reads them.

type Document struct {
	ID          string `gorm:"primaryKey"`
	Title       string
	OwnerID     string  `gorm:"index"`
	WorkspaceID *string `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Workspace struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	OwnerID   string `gorm:"index"`
	CreatedAt time.Time
}

type DocumentCollaborator struct {
	ID         uint   `gorm:"primaryKey"`
	DocumentID string `gorm:"index:idx_collaborator,unique"`
	UserID     string `gorm:"index:idx_collaborator,unique"`
	Role       string
	AddedAt    time.Time
}

type WorkspaceMember struct {
	ID          uint   `gorm:"primaryKey"`
	WorkspaceID string `gorm:"index:idx_member,unique"`
	UserID      string `gorm:"index:idx_member,unique"`
	Role        string
	JoinedAt    time.Time
}

const InviteStatusPending = "pending"

type Invite struct {
	ID          uint    `gorm:"primaryKey"`
	DocumentID  *string `gorm:"index"`
	WorkspaceID *string `gorm:"index"`
	Email       string  `gorm:"index"`
	Role        string
	Status      string
	CreatedAt   time.Time
}

// Models lists the tables read by DBResolver, in migration order.
func Models() []any {
	return []any{
		&Workspace{},
		&Document{},
		&DocumentCollaborator{},
		&WorkspaceMember{},
		&Invite{},
	}
}
