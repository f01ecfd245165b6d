package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Follow is a directed edge: Follower follows Followed. The pair is the primary key.
type Follow struct {
	FollowerID uint      `gorm:"primaryKey;autoIncrement:false" json:"follower_id"`
	FollowedID uint      `gorm:"primaryKey;autoIncrement:false;index" json:"followed_id"`
	Timestamp  time.Time `gorm:"not null" json:"timestamp"`
	Follower   *User     `gorm:"foreignKey:FollowerID" json:"follower,omitempty"`
	Followed   *User     `gorm:"foreignKey:FollowedID" json:"followed,omitempty"`
}

// FollowUser adds the edge follower -> followed. Following twice keeps a single edge.
func FollowUser(db *gorm.DB, follower, followed *User) error {
	edge := Follow{
		FollowerID: follower.ID,
		FollowedID: followed.ID,
		Timestamp:  time.Now().UTC(),
	}
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&edge).Error
	return errors.Wrap(err, "create follow")
}

// UnfollowUser removes the edge follower -> followed if present.
func UnfollowUser(db *gorm.DB, follower, followed *User) error {
	err := db.Where("follower_id = ? AND followed_id = ?", follower.ID, followed.ID).Delete(&Follow{}).Error
	return errors.Wrap(err, "delete follow")
}

// IsFollowing reports whether the edge follower -> followed exists.
func IsFollowing(db *gorm.DB, follower, followed *User) (bool, error) {
	if follower == nil || followed == nil {
		return false, nil
	}
	var count int64
	err := db.Model(&Follow{}).
		Where("follower_id = ? AND followed_id = ?", follower.ID, followed.ID).
		Count(&count).Error
	return count > 0, err
}

// IsFollowedBy reports whether by follows u.
func IsFollowedBy(db *gorm.DB, u, by *User) (bool, error) {
	return IsFollowing(db, by, u)
}

// FollowerCount counts users following u.
func FollowerCount(db *gorm.DB, u *User) (int64, error) {
	var n int64
	err := db.Model(&Follow{}).Where("followed_id = ?", u.ID).Count(&n).Error
	return n, err
}

// FollowedCount counts users u follows.
func FollowedCount(db *gorm.DB, u *User) (int64, error) {
	var n int64
	err := db.Model(&Follow{}).Where("follower_id = ?", u.ID).Count(&n).Error
	return n, err
}

// Followers returns a page of edges pointing at u, newest first, with Follower loaded.
func Followers(db *gorm.DB, u *User, page, pageSize int) ([]Follow, int64, error) {
	q := db.Model(&Follow{}).Where("followed_id = ?", u.ID).Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var edges []Follow
	err := q.Preload("Follower").Order("timestamp DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&edges).Error
	return edges, total, err
}

// FollowedBy returns a page of edges leaving u, newest first, with Followed loaded.
func FollowedBy(db *gorm.DB, u *User, page, pageSize int) ([]Follow, int64, error) {
	q := db.Model(&Follow{}).Where("follower_id = ?", u.ID).Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var edges []Follow
	err := q.Preload("Followed").Order("timestamp DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&edges).Error
	return edges, total, err
}
