// Package identity provides users, groups and password authentication.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrEmailExists          = errors.New("email already in use")
	ErrInvalidPassword      = errors.New("invalid password")
	ErrGroupNotFound        = errors.New("group not found")
	ErrGroupExists          = errors.New("group already exists")
	ErrSuperAdminProtected  = errors.New("super admin cannot be deleted or demoted")
	ErrSuperAdminRoleChange = errors.New("super admin role cannot be changed")
)

const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// User is a local account. Username doubles as the principal name.
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	Username     string    `json:"username" gorm:"uniqueIndex;not null"`
	Email        string    `json:"email" gorm:"index"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role" gorm:"not null;default:user"`
	CreatedAt    time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleSuperAdmin
}

func (u *User) IsSuperAdmin() bool {
	return u.Role == RoleSuperAdmin
}

// Group is a named set of users that can receive shares.
type Group struct {
	GID         string `json:"gid" gorm:"column:gid;primaryKey"`
	DisplayName string `json:"display_name"`
}

func (Group) TableName() string { return "groups" }

// GroupMember links a user to a group.
type GroupMember struct {
	GID string `gorm:"column:gid;primaryKey"`
	UID string `gorm:"column:uid;primaryKey;index"`
}

func (GroupMember) TableName() string { return "group_members" }

// Models lists the tables owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&User{}, &Group{}, &GroupMember{}}
}

// PartyRepo provides user storage operations.
type PartyRepo interface {
	// Create creates a new user. Returns ErrUserExists if username is taken.
	Create(ctx context.Context, user *User) error

	// Get retrieves a user by ID. Returns ErrUserNotFound if not found.
	Get(ctx context.Context, id string) (*User, error)

	// GetByUsername retrieves a user by username. Returns ErrUserNotFound if not found.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive, trimmed).
	// Returns ErrUserNotFound if not found or if email is empty.
	GetByEmail(ctx context.Context, email string) (*User, error)

	Update(ctx context.Context, user *User) error

	// Delete removes a user by ID together with its group memberships.
	Delete(ctx context.Context, id string) error

	List(ctx context.Context) ([]*User, error)
}

// GroupRepo provides group and membership storage.
type GroupRepo interface {
	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, gid string) (*Group, error)
	ListGroups(ctx context.Context) ([]*Group, error)
	DeleteGroup(ctx context.Context, gid string) error

	AddMember(ctx context.Context, gid, uid string) error
	RemoveMember(ctx context.Context, gid, uid string) error

	// GroupsForUser returns the gids the user belongs to, sorted.
	GroupsForUser(ctx context.Context, uid string) ([]string, error)
	Members(ctx context.Context, gid string) ([]string, error)
}

// UUIDv7 returns a time-ordered UUIDv7.
func UUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
