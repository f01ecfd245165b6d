package controllers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/mingblog/config"
	"github.com/cppla/mingblog/middleware"
	"github.com/cppla/mingblog/models"
	"github.com/cppla/mingblog/views"
)

const (
	showFollowedCookie = "show_followed"
	showFollowedMaxAge = 30 * 24 * 60 * 60
)

// PostController serves the post list, single posts with their comments and moderation.
type PostController struct {
	base
}

// NewPostController creates a PostController.
func NewPostController(db *gorm.DB, sessions *middleware.Sessions) *PostController {
	return &PostController{base{db: db, sessions: sessions}}
}

type postForm struct {
	Body string `form:"body" binding:"required"`
}

type commentForm struct {
	Body string `form:"body" binding:"required"`
}

// Index lists posts, either everyone's or only those of followed users.
func (p *PostController) Index(ctx *gin.Context) {
	p.renderIndex(ctx, http.StatusOK, postForm{}, nil)
}

// CreatePost publishes a post for the current user.
func (p *PostController) CreatePost(ctx *gin.Context) {
	var form postForm
	if err := ctx.ShouldBind(&form); err != nil {
		p.renderIndex(ctx, http.StatusOK, form, formErrors(&form, err))
		return
	}
	post := models.Post{Body: form.Body, AuthorID: middleware.CurrentUser(ctx).ID}
	if err := p.db.Create(&post).Error; err != nil {
		p.fail(ctx, err, "create post failed")
		return
	}
	ctx.Redirect(http.StatusFound, "/")
}

func (p *PostController) renderIndex(ctx *gin.Context, status int, form postForm, errs map[string]string) {
	user := middleware.CurrentUser(ctx)
	showFollowed := false
	if user != nil {
		if v, err := ctx.Cookie(showFollowedCookie); err == nil && v == "1" {
			showFollowed = true
		}
	}
	var followedBy *models.User
	if showFollowed {
		followedBy = user
	}

	page := max(parsePage(ctx), 1)
	perPage := config.Get().PostsPerPage
	posts, total, err := models.ListPosts(p.db, followedBy, page, perPage)
	if err != nil {
		p.fail(ctx, err, "list posts failed")
		return
	}
	if errs == nil {
		errs = map[string]string{}
	}
	p.render(ctx, status, "index.html", gin.H{
		"Form":         form,
		"Errors":       errs,
		"Posts":        posts,
		"ShowFollowed": showFollowed,
		"Pagination":   views.NewPagination("/", page, perPage, total),
	})
}

// ShowAll switches the index to every user's posts.
func (p *PostController) ShowAll(ctx *gin.Context) {
	ctx.SetCookie(showFollowedCookie, "", showFollowedMaxAge, "/", "", false, true)
	ctx.Redirect(http.StatusFound, "/")
}

// ShowFollowed switches the index to posts of followed users.
func (p *PostController) ShowFollowed(ctx *gin.Context) {
	ctx.SetCookie(showFollowedCookie, "1", showFollowedMaxAge, "/", "", false, true)
	ctx.Redirect(http.StatusFound, "/")
}

// Show renders one post and a page of its comments. page=-1 jumps to the last page.
func (p *PostController) Show(ctx *gin.Context) {
	p.renderPost(ctx, http.StatusOK, commentForm{}, nil)
}

// CreateComment adds a comment to the post and jumps to the last comment page.
func (p *PostController) CreateComment(ctx *gin.Context) {
	id, ok := parseID(ctx, "id")
	if !ok {
		p.abort(ctx, http.StatusNotFound)
		return
	}
	post, err := models.PostByID(p.db, id)
	if err != nil {
		p.fail(ctx, err, "load post failed")
		return
	}
	var form commentForm
	if err := ctx.ShouldBind(&form); err != nil {
		p.renderPost(ctx, http.StatusOK, form, formErrors(&form, err))
		return
	}
	comment := models.Comment{Body: form.Body, AuthorID: middleware.CurrentUser(ctx).ID, PostID: post.ID}
	if err := p.db.Create(&comment).Error; err != nil {
		p.fail(ctx, err, "create comment failed")
		return
	}
	p.flash(ctx, middleware.FlashSuccess, "Your comment has been published.")
	ctx.Redirect(http.StatusFound, fmt.Sprintf("/post/%d?page=-1#comments", post.ID))
}

func (p *PostController) renderPost(ctx *gin.Context, status int, form commentForm, errs map[string]string) {
	id, ok := parseID(ctx, "id")
	if !ok {
		p.abort(ctx, http.StatusNotFound)
		return
	}
	post, err := models.PostByID(p.db, id)
	if err != nil {
		p.fail(ctx, err, "load post failed")
		return
	}
	total, err := models.CountComments(p.db, post.ID)
	if err != nil {
		p.fail(ctx, err, "count comments failed")
		return
	}
	perPage := config.Get().CommentsPerPage
	page := parsePage(ctx)
	if page == -1 {
		page = views.LastPage(total, perPage)
	}
	comments, err := models.PostComments(p.db, post.ID, page, perPage)
	if err != nil {
		p.fail(ctx, err, "list comments failed")
		return
	}
	pagination := views.NewPagination(fmt.Sprintf("/post/%d", post.ID), page, perPage, total)
	pagination.Fragment = "comments"
	if errs == nil {
		errs = map[string]string{}
	}
	p.render(ctx, status, "post.html", gin.H{
		"Title":      "Post",
		"Post":       post,
		"Posts":      []models.Post{*post},
		"Comments":   comments,
		"Form":       form,
		"Errors":     errs,
		"Moderate":   middleware.CurrentUser(ctx).Can(models.PermModerateComments),
		"Pagination": pagination,
	})
}

// EditPage shows the edit form to the author or an administrator.
func (p *PostController) EditPage(ctx *gin.Context) {
	post, ok := p.editablePost(ctx)
	if !ok {
		return
	}
	p.render(ctx, http.StatusOK, "edit_post.html", gin.H{
		"Title": "Edit Post",
		"Post":  post,
		"Form":  postForm{Body: post.Body},
	})
}

// Edit saves the new body.
func (p *PostController) Edit(ctx *gin.Context) {
	post, ok := p.editablePost(ctx)
	if !ok {
		return
	}
	var form postForm
	if err := ctx.ShouldBind(&form); err != nil {
		p.render(ctx, http.StatusOK, "edit_post.html", gin.H{
			"Title":  "Edit Post",
			"Post":   post,
			"Form":   form,
			"Errors": formErrors(&form, err),
		})
		return
	}
	post.Body = form.Body
	if err := p.db.Omit(clause.Associations).Save(post).Error; err != nil {
		p.fail(ctx, err, "update post failed")
		return
	}
	p.flash(ctx, middleware.FlashSuccess, "The post has been updated.")
	ctx.Redirect(http.StatusFound, fmt.Sprintf("/post/%d", post.ID))
}

// editablePost loads the post and answers 404/403 itself when it cannot be edited.
func (p *PostController) editablePost(ctx *gin.Context) (*models.Post, bool) {
	id, ok := parseID(ctx, "id")
	if !ok {
		p.abort(ctx, http.StatusNotFound)
		return nil, false
	}
	post, err := models.PostByID(p.db, id)
	if err != nil {
		p.fail(ctx, err, "load post failed")
		return nil, false
	}
	user := middleware.CurrentUser(ctx)
	if user == nil || (user.ID != post.AuthorID && !user.IsAdministrator()) {
		p.abort(ctx, http.StatusForbidden)
		return nil, false
	}
	return post, true
}

// Moderate lists the newest comments with enable/disable controls.
func (p *PostController) Moderate(ctx *gin.Context) {
	page := max(parsePage(ctx), 1)
	perPage := config.Get().CommentsPerPage
	comments, total, err := models.RecentComments(p.db, page, perPage)
	if err != nil {
		p.fail(ctx, err, "list comments failed")
		return
	}
	p.render(ctx, http.StatusOK, "moderate.html", gin.H{
		"Title":      "Moderate Comments",
		"Comments":   comments,
		"Moderate":   true,
		"Pagination": views.NewPagination("/moderate", page, perPage, total),
	})
}

// ModerateEnable makes a disabled comment visible again.
func (p *PostController) ModerateEnable(ctx *gin.Context) {
	p.setDisabled(ctx, false)
}

// ModerateDisable hides a comment's body.
func (p *PostController) ModerateDisable(ctx *gin.Context) {
	p.setDisabled(ctx, true)
}

func (p *PostController) setDisabled(ctx *gin.Context, disabled bool) {
	id, ok := parseID(ctx, "id")
	if !ok {
		p.abort(ctx, http.StatusNotFound)
		return
	}
	comment, err := models.CommentByID(p.db, id)
	if err != nil {
		p.fail(ctx, err, "load comment failed")
		return
	}
	if err := comment.SetDisabled(p.db, disabled); err != nil {
		p.fail(ctx, err, "moderate comment failed")
		return
	}
	ctx.Redirect(http.StatusFound, "/moderate?page="+strconv.Itoa(max(parsePage(ctx), 1)))
}
