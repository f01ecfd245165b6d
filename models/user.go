package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/cppla/mingblog/utils"
)

// ErrPasswordNotReadable is returned when code asks a user for its plaintext password.
var ErrPasswordNotReadable = errors.New("password is not a readable attribute")

// User is a registered account. Passwords are stored as bcrypt hashes only.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"size:64;uniqueIndex;not null" json:"email"`
	Username     string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"size:128" json:"-"`
	Confirmed    bool      `gorm:"default:false" json:"confirmed"`
	Name         string    `gorm:"size:64" json:"name"`
	Location     string    `gorm:"size:64" json:"location"`
	AboutMe      string    `gorm:"type:text" json:"about_me"`
	Provider     string    `gorm:"size:32;index:idx_users_provider" json:"provider"`
	ProviderID   string    `gorm:"size:255;index:idx_users_provider" json:"-"`
	MemberSince  time.Time `json:"member_since"`
	LastSeen     time.Time `json:"last_seen"`
	RoleID       uint      `gorm:"index;not null" json:"role_id"`
	Role         *Role     `json:"role,omitempty"`
	Posts        []Post    `gorm:"foreignKey:AuthorID" json:"-"`
	Comments     []Comment `gorm:"foreignKey:AuthorID" json:"-"`
}

// BeforeCreate fills timestamps and falls back to the default role.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UTC()
	if u.MemberSince.IsZero() {
		u.MemberSince = now
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = now
	}
	if u.RoleID == 0 && u.Role == nil {
		role, err := DefaultRole(tx)
		if err != nil {
			return err
		}
		u.RoleID = role.ID
		u.Role = role
	}
	return nil
}

// AssignRole gives the Administrator role to configured admin emails and the default
// role to everyone else. It does not persist the user.
func (u *User) AssignRole(db *gorm.DB, adminEmails []string) error {
	var (
		role *Role
		err  error
	)
	if isAdminEmail(u.Email, adminEmails) {
		role, err = RoleByName(db, RoleAdministrator)
	} else {
		role, err = DefaultRole(db)
	}
	if err != nil {
		return err
	}
	u.Role = role
	u.RoleID = role.ID
	return nil
}

func isAdminEmail(email string, adminEmails []string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	for _, e := range adminEmails {
		if strings.EqualFold(strings.TrimSpace(e), email) {
			return true
		}
	}
	return false
}

// Password always fails: the plaintext is never kept.
func (u *User) Password() (string, error) {
	return "", ErrPasswordNotReadable
}

// SetPassword hashes and stores plain.
func (u *User) SetPassword(plain string) error {
	hash, err := utils.HashPassword(plain)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}
	u.PasswordHash = hash
	return nil
}

// VerifyPassword reports whether plain matches the stored hash.
func (u *User) VerifyPassword(plain string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return utils.CheckPassword(u.PasswordHash, plain)
}

// Can reports whether the user's role grants every bit of perm.
// A nil user is anonymous and can do nothing.
func (u *User) Can(perm Permission) bool {
	if u == nil || u.Role == nil {
		return false
	}
	return u.Role.Permissions.Has(perm)
}

// IsAdministrator is shorthand for Can(PermAdminister).
func (u *User) IsAdministrator() bool {
	return u.Can(PermAdminister)
}

// GenerateConfirmationToken signs the user id into a token valid for expiration.
func (u *User) GenerateConfirmationToken(secret string, expiration time.Duration) (string, error) {
	return utils.GenerateConfirmToken(secret, u.ID, expiration)
}

// Confirm validates token against this user and marks the account confirmed.
// It returns false on a bad signature, an expired token or a token issued for another user.
func (u *User) Confirm(secret, token string) bool {
	id, err := utils.ParseConfirmToken(secret, token)
	if err != nil || id != u.ID {
		return false
	}
	u.Confirmed = true
	return true
}

// Ping records activity.
func (u *User) Ping(db *gorm.DB) error {
	u.LastSeen = time.Now().UTC()
	return db.Model(u).UpdateColumn("last_seen", u.LastSeen).Error
}

// UserByID loads a user with its role.
func UserByID(db *gorm.DB, id uint) (*User, error) {
	var user User
	if err := db.Preload("Role").First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// UserByUsername loads a user with its role.
func UserByUsername(db *gorm.DB, username string) (*User, error) {
	var user User
	if err := db.Preload("Role").Where("username = ?", username).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// EmailTaken reports whether another user (not exceptID) already uses email.
func EmailTaken(db *gorm.DB, email string, exceptID uint) (bool, error) {
	var count int64
	err := db.Model(&User{}).Where("email = ? AND id <> ?", email, exceptID).Count(&count).Error
	return count > 0, err
}

// UsernameTaken reports whether another user (not exceptID) already uses username.
func UsernameTaken(db *gorm.DB, username string, exceptID uint) (bool, error) {
	var count int64
	err := db.Model(&User{}).Where("username = ? AND id <> ?", username, exceptID).Count(&count).Error
	return count > 0, err
}
