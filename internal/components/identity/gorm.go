package identity

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormPartyRepo stores users in the users table.
type GormPartyRepo struct {
	db *gorm.DB
}

func NewGormPartyRepo(db *gorm.DB) *GormPartyRepo {
	return &GormPartyRepo{db: db}
}

func (r *GormPartyRepo) Create(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = UUIDv7()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	user.Email = normalizeEmail(user.Email)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&User{}).Where("username = ?", user.Username).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrUserExists
		}
		if user.Email != "" {
			if err := tx.Model(&User{}).Where("email = ?", user.Email).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrEmailExists
			}
		}
		return tx.Create(user).Error
	})
}

func (r *GormPartyRepo) Get(ctx context.Context, id string) (*User, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *GormPartyRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.first(ctx, "username = ?", username)
}

func (r *GormPartyRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	norm := normalizeEmail(email)
	if norm == "" {
		return nil, ErrUserNotFound
	}
	return r.first(ctx, "email = ?", norm)
}

func (r *GormPartyRepo) first(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).Where(query, arg).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *GormPartyRepo) Update(ctx context.Context, user *User) error {
	user.Email = normalizeEmail(user.Email)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		if err := tx.First(&existing, "id = ?", user.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if existing.Role == RoleSuperAdmin && user.Role != RoleSuperAdmin {
			return ErrSuperAdminRoleChange
		}
		if user.Email != "" && user.Email != existing.Email {
			var n int64
			if err := tx.Model(&User{}).Where("email = ? AND id <> ?", user.Email, user.ID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrEmailExists
			}
		}
		if user.Username != existing.Username {
			// Memberships are keyed by username.
			if err := tx.Model(&GroupMember{}).Where("uid = ?", existing.Username).
				Update("uid", user.Username).Error; err != nil {
				return err
			}
		}
		return tx.Save(user).Error
	})
}

func (r *GormPartyRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u User
		if err := tx.First(&u, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if u.Role == RoleSuperAdmin {
			return ErrSuperAdminProtected
		}
		if err := tx.Where("uid = ?", u.Username).Delete(&GroupMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(&u).Error
	})
}

func (r *GormPartyRepo) List(ctx context.Context) ([]*User, error) {
	var users []*User
	if err := r.db.WithContext(ctx).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// GormGroupRepo stores groups and memberships.
type GormGroupRepo struct {
	db *gorm.DB
}

func NewGormGroupRepo(db *gorm.DB) *GormGroupRepo {
	return &GormGroupRepo{db: db}
}

func (r *GormGroupRepo) CreateGroup(ctx context.Context, g *Group) error {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(g)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrGroupExists
	}
	return nil
}

func (r *GormGroupRepo) GetGroup(ctx context.Context, gid string) (*Group, error) {
	var g Group
	if err := r.db.WithContext(ctx).First(&g, "gid = ?", gid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (r *GormGroupRepo) ListGroups(ctx context.Context) ([]*Group, error) {
	var groups []*Group
	if err := r.db.WithContext(ctx).Order("gid").Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *GormGroupRepo) DeleteGroup(ctx context.Context, gid string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Group{}, "gid = ?", gid)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrGroupNotFound
		}
		return tx.Where("gid = ?", gid).Delete(&GroupMember{}).Error
	})
}

func (r *GormGroupRepo) AddMember(ctx context.Context, gid, uid string) error {
	if _, err := r.GetGroup(ctx, gid); err != nil {
		return err
	}
	var n int64
	if err := r.db.WithContext(ctx).Model(&User{}).Where("username = ?", uid).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&GroupMember{GID: gid, UID: uid}).Error
}

func (r *GormGroupRepo) RemoveMember(ctx context.Context, gid, uid string) error {
	return r.db.WithContext(ctx).Where("gid = ? AND uid = ?", gid, uid).Delete(&GroupMember{}).Error
}

func (r *GormGroupRepo) GroupsForUser(ctx context.Context, uid string) ([]string, error) {
	var gids []string
	err := r.db.WithContext(ctx).Model(&GroupMember{}).Where("uid = ?", uid).
		Order("gid").Pluck("gid", &gids).Error
	return gids, err
}

func (r *GormGroupRepo) Members(ctx context.Context, gid string) ([]string, error) {
	var uids []string
	err := r.db.WithContext(ctx).Model(&GroupMember{}).Where("gid = ?", gid).
		Order("uid").Pluck("uid", &uids).Error
	return uids, err
}
