package views

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/mingblog/models"
)

func renderPage(t *testing.T, r *Renderer, name string, data any) string {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, r.Instance(name, data).Render(rec))
	return rec.Body.String()
}

func TestRendererParsesEveryPage(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	for _, page := range []string{
		"index.html", "login.html", "register.html", "edit_post.html", "post.html", "moderate.html",
		"change_password.html", "user.html", "followers.html", "edit_profile.html", "error.html",
	} {
		assert.Contains(t, r.pages, page)
	}
}

func TestRenderIndexForAnonymousAndWriter(t *testing.T) {
	r := MustNew()
	author := &models.User{ID: 2, Username: "susan", Email: "susan@example.com"}
	posts := []models.Post{{ID: 1, BodyHTML: "<p>hello</p>", Author: author, Timestamp: time.Now()}}

	anon := renderPage(t, r, "index.html", gin.H{
		"CurrentUser": (*models.User)(nil),
		"Posts":       posts,
		"Pagination":  NewPagination("/", 1, 20, 1),
	})
	assert.Contains(t, anon, "Hello, Stranger!")
	assert.Contains(t, anon, "<p>hello</p>")
	assert.NotContains(t, anon, `<textarea`)
	assert.Contains(t, anon, `href="/login"`)

	writer := &models.User{ID: 3, Username: "john", Role: &models.Role{Permissions: models.PermFollow | models.PermComment | models.PermWriteArticles}}
	page := renderPage(t, r, "index.html", gin.H{
		"CurrentUser": writer,
		"Posts":       posts,
		"Errors":      map[string]string{"body": "This field is required."},
		"Pagination":  NewPagination("/", 1, 20, 1),
	})
	assert.Contains(t, page, "Hello, john!")
	assert.Contains(t, page, `<textarea`)
	assert.Contains(t, page, "This field is required.")
	assert.NotContains(t, page, "Moderate Comments")
	assert.NotContains(t, page, "/edit/1", "only the author or an admin sees the edit link")
}

func TestRenderCommentsHidesDisabledBodies(t *testing.T) {
	r := MustNew()
	author := &models.User{ID: 2, Username: "susan", Email: "susan@example.com"}
	post := &models.Post{ID: 1, BodyHTML: "<p>post</p>", Author: author}
	comments := []models.Comment{
		{ID: 10, BodyHTML: "<p>visible</p>", Author: author},
		{ID: 11, BodyHTML: "<p>secret</p>", Author: author, Disabled: true},
	}
	data := func(moderate bool) gin.H {
		return gin.H{
			"Post":       post,
			"Posts":      []models.Post{*post},
			"Comments":   comments,
			"Moderate":   moderate,
			"Pagination": NewPagination("/post/1", 1, 30, 2),
		}
	}

	plain := renderPage(t, r, "post.html", data(false))
	assert.Contains(t, plain, "<p>visible</p>")
	assert.NotContains(t, plain, "<p>secret</p>")
	assert.Contains(t, plain, "This comment has been disabled by a moderator.")
	assert.NotContains(t, plain, "/moderate/enable/11")

	mod := renderPage(t, r, "moderate.html", data(true))
	assert.Contains(t, mod, "<p>secret</p>")
	assert.Contains(t, mod, "/moderate/enable/11")
	assert.Contains(t, mod, "/moderate/disable/10")
}

func TestRenderUserProfile(t *testing.T) {
	r := MustNew()
	viewer := &models.User{ID: 1, Username: "john", Role: &models.Role{Permissions: models.PermFollow}}
	profile := &models.User{ID: 2, Username: "susan", Email: "susan@example.com", Location: "Paris", MemberSince: time.Now(), LastSeen: time.Now()}
	page := renderPage(t, r, "user.html", gin.H{
		"CurrentUser":   viewer,
		"User":          profile,
		"PostCount":     0,
		"FollowerCount": int64(3),
		"FollowedCount": int64(1),
		"IsFollowing":   false,
		"FollowsYou":    true,
	})
	assert.Contains(t, page, `href="/follow/susan"`)
	assert.Contains(t, page, "Follows you")
	assert.Contains(t, page, "Paris")
	assert.NotContains(t, page, "Edit Profile [Admin]")
	assert.NotContains(t, page, "susan@example.com</a>", "email is shown to administrators only")
}

func TestRenderEditProfileAdmin(t *testing.T) {
	r := MustNew()
	page := renderPage(t, r, "edit_profile.html", gin.H{
		"Action": "/edit-profile/2",
		"Admin":  true,
		"Roles": []models.Role{{ID: 1, Name: "Administrator"}, {ID: 3, Name: "User"}},
		"Form": struct {
			Email, Username, Name, Location, AboutMe string
			Confirmed                                bool
			Role                                     uint
		}{Role: 3},
	})
	assert.Contains(t, page, `<option value="3" selected>User</option>`)
	assert.Contains(t, page, `action="/edit-profile/2"`)
}

func TestAbortRendersErrorPage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	ctx, engine := gin.CreateTestContext(rec)
	engine.HTMLRender = MustNew()
	ctx.Request = httptest.NewRequest(http.MethodGet, "/nowhere", nil)

	Abort(ctx, http.StatusNotFound, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, ctx.IsAborted())
	assert.Contains(t, rec.Body.String(), "The page you are looking for does not exist.")
}

func TestUnknownTemplateFallsBackToErrorPage(t *testing.T) {
	out := renderPage(t, MustNew(), "missing.html", nil)
	assert.Contains(t, out, "template missing.html not found")
}

func TestPagination(t *testing.T) {
	p := NewPagination("/", 1, 10, 0)
	assert.Equal(t, 0, p.Pages())
	assert.False(t, p.HasNext())
	assert.False(t, p.HasPrev())

	p = NewPagination("/followers/susan", 3, 10, 25)
	assert.Equal(t, 3, p.Pages())
	assert.True(t, p.HasPrev())
	assert.False(t, p.HasNext())
	assert.Equal(t, 2, p.PrevNum())
	assert.Equal(t, "/followers/susan?page=2", p.URL(2))

	p.Fragment = "comments"
	assert.Equal(t, "/followers/susan?page=1#comments", p.URL(1))

	assert.Equal(t, 1, NewPagination("/", 0, 0, 5).Page)
}

func TestIterPagesElidesMiddle(t *testing.T) {
	p := NewPagination("/", 10, 1, 20)
	assert.Equal(t, []int{1, 2, 0, 8, 9, 10, 11, 12, 13, 14, 0, 19, 20}, p.IterPages())

	p = NewPagination("/", 1, 1, 3)
	assert.Equal(t, []int{1, 2, 3}, p.IterPages())
}

func TestLastPage(t *testing.T) {
	assert.Equal(t, 1, LastPage(0, 30))
	assert.Equal(t, 1, LastPage(30, 30))
	assert.Equal(t, 2, LastPage(31, 30))
	assert.Equal(t, 4, LastPage(100, 30))
}

func TestFromNow(t *testing.T) {
	now := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "a few seconds ago"},
		{time.Minute, "a minute ago"},
		{5 * time.Minute, "5 minutes ago"},
		{time.Hour, "an hour ago"},
		{3 * time.Hour, "3 hours ago"},
		{2 * 24 * time.Hour, "2 days ago"},
		{60 * 24 * time.Hour, "2 months ago"},
		{2 * 365 * 24 * time.Hour, "2 years ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromNow(now.Add(-tt.ago), now))
	}
}

func TestGravatar(t *testing.T) {
	url := Gravatar(" John@Example.com ", 40)
	assert.True(t, strings.HasPrefix(url, "https://secure.gravatar.com/avatar/"))
	assert.Equal(t, Gravatar("john@example.com", 40), url, "email is normalised")
	assert.Contains(t, url, "s=40")
}
