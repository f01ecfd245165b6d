package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/cppla/mingblog/utils"
)

// Post is a blog entry. BodyHTML is a rendered, sanitized copy of Body.
type Post struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	BodyHTML  string    `gorm:"type:text" json:"body_html"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
	AuthorID  uint      `gorm:"index;not null" json:"author_id"`
	Author    *User     `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Comments  []Comment `json:"-"`
}

// BeforeSave keeps BodyHTML in step with Body.
func (p *Post) BeforeSave(tx *gorm.DB) error {
	p.BodyHTML = utils.RenderMarkdown(p.Body)
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	return nil
}

// PostByID loads a post with its author.
func PostByID(db *gorm.DB, id uint) (*Post, error) {
	var post Post
	if err := db.Preload("Author").First(&post, id).Error; err != nil {
		return nil, err
	}
	return &post, nil
}

// ListPosts returns a page of posts, newest first. When followedBy is non-nil only posts
// by users it follows are returned.
func ListPosts(db *gorm.DB, followedBy *User, page, pageSize int) ([]Post, int64, error) {
	q := db.Model(&Post{})
	if followedBy != nil {
		followed := db.Model(&Follow{}).Select("followed_id").Where("follower_id = ?", followedBy.ID)
		q = q.Where("author_id IN (?)", followed)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count posts")
	}
	var posts []Post
	err := q.Preload("Author").Order("timestamp DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&posts).Error
	return posts, total, errors.Wrap(err, "list posts")
}

// PostsByAuthor returns every post of u, newest first.
func PostsByAuthor(db *gorm.DB, u *User) ([]Post, error) {
	var posts []Post
	err := db.Preload("Author").Where("author_id = ?", u.ID).Order("timestamp DESC").Find(&posts).Error
	return posts, err
}
