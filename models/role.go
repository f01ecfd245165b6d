package models

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Role is a named bundle of permissions. Exactly one role is flagged as default.
type Role struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"size:64;uniqueIndex;not null" json:"name"`
	Default     bool       `gorm:"index;default:false" json:"default"`
	Permissions Permission `gorm:"not null;default:0" json:"permissions"`
	Users       []User     `json:"-"`
}

const (
	RoleUser          = "User"
	RoleModerator     = "Moderator"
	RoleAdministrator = "Administrator"
)

type roleDef struct {
	name        string
	permissions Permission
	isDefault   bool
}

var roleDefs = []roleDef{
	{RoleUser, PermFollow | PermComment | PermWriteArticles, true},
	{RoleModerator, PermFollow | PermComment | PermWriteArticles | PermModerateComments, false},
	{RoleAdministrator, 0xff, false},
}

// InsertRoles creates or refreshes the built-in roles. It is safe to call on every start.
func InsertRoles(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, def := range roleDefs {
			var role Role
			err := tx.Where("name = ?", def.name).First(&role).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(err, "load role %s", def.name)
			}
			role.Name = def.name
			role.Permissions = def.permissions
			role.Default = def.isDefault
			if err := tx.Save(&role).Error; err != nil {
				return errors.Wrapf(err, "save role %s", def.name)
			}
		}
		return nil
	})
}

// DefaultRole returns the role assigned to new users.
func DefaultRole(db *gorm.DB) (*Role, error) {
	var role Role
	if err := db.Where(&Role{Default: true}).First(&role).Error; err != nil {
		return nil, errors.Wrap(err, "load default role")
	}
	return &role, nil
}

// RoleByName looks up a role by its unique name.
func RoleByName(db *gorm.DB, name string) (*Role, error) {
	var role Role
	if err := db.Where("name = ?", name).First(&role).Error; err != nil {
		return nil, errors.Wrapf(err, "load role %s", name)
	}
	return &role, nil
}
