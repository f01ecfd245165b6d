package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/cppla/mingblog/utils"
)

// Comment is a reply to a post. Moderators hide it by setting Disabled; rows are never deleted.
type Comment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	BodyHTML  string    `gorm:"type:text" json:"body_html"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
	Disabled  bool      `gorm:"default:false" json:"disabled"`
	AuthorID  uint      `gorm:"index;not null" json:"author_id"`
	PostID    uint      `gorm:"index;not null" json:"post_id"`
	Author    *User     `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Post      *Post     `json:"-"`
}

// BeforeSave keeps BodyHTML in step with Body.
func (c *Comment) BeforeSave(tx *gorm.DB) error {
	c.BodyHTML = utils.RenderMarkdown(c.Body)
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	return nil
}

// CommentByID loads a comment.
func CommentByID(db *gorm.DB, id uint) (*Comment, error) {
	var c Comment
	if err := db.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CountComments counts the comments of a post.
func CountComments(db *gorm.DB, postID uint) (int64, error) {
	var n int64
	err := db.Model(&Comment{}).Where("post_id = ?", postID).Count(&n).Error
	return n, err
}

// PostComments returns a page of a post's comments, oldest first.
func PostComments(db *gorm.DB, postID uint, page, pageSize int) ([]Comment, error) {
	var comments []Comment
	err := db.Preload("Author").Where("post_id = ?", postID).Order("timestamp ASC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&comments).Error
	return comments, err
}

// RecentComments returns a page of all comments, newest first, for moderation.
func RecentComments(db *gorm.DB, page, pageSize int) ([]Comment, int64, error) {
	var total int64
	if err := db.Model(&Comment{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var comments []Comment
	err := db.Preload("Author").Order("timestamp DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&comments).Error
	return comments, total, err
}

// SetDisabled flips the moderation flag.
func (c *Comment) SetDisabled(db *gorm.DB, disabled bool) error {
	c.Disabled = disabled
	return db.Model(c).UpdateColumn("disabled", disabled).Error
}
