package routes

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/alexedwards/scs/v2/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/cppla/mingblog/config"
	"github.com/cppla/mingblog/models"
	"github.com/cppla/mingblog/utils"
)

type sentMail struct {
	To, Subject, Body string
}

type testApp struct {
	t   *testing.T
	db  *gorm.DB
	srv *httptest.Server

	mu    sync.Mutex
	mails []sentMail
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	config.Set(config.AppConfig{
		SecretKey:                  "test-secret",
		GinMode:                    "test",
		GinPath:                    filepath.Join(t.TempDir(), "gin.log"),
		ExternalURL:                "http://ming.test",
		RateLimitPerMinute:         10000,
		RegisterAttemptCooldownSec: -1,
		RegisterMaxPerIPPerDay:     100,
		AdminEmails:                []string{"admin@example.com"},
	})
	utils.PasswordCost = bcrypt.MinCost
	utils.ResetThrottles()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := config.Open(config.DriverSQLite, "file:"+name+"?mode=memory&cache=shared", "silent")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Role{}, &models.User{}, &models.Follow{}, &models.Post{}, &models.Comment{}))
	require.NoError(t, models.InsertRoles(db))

	app := &testApp{t: t, db: db}
	prevSend := utils.SendMail
	utils.SendMail = func(to, subject, body string) error {
		app.mu.Lock()
		defer app.mu.Unlock()
		app.mails = append(app.mails, sentMail{To: to, Subject: subject, Body: body})
		return nil
	}

	sm := config.NewSessionManager(memstore.New(), config.Get())
	app.srv = httptest.NewServer(SetupRouter(db, sm))
	t.Cleanup(func() {
		app.srv.Close()
		utils.SendMail = prevSend
		_ = sqlDB.Close()
	})
	return app
}

func (a *testApp) lastMail() sentMail {
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(a.t, a.mails)
	return a.mails[len(a.mails)-1]
}

// createUser inserts a confirmed account with password "cat" and the given role.
func (a *testApp) createUser(username, roleName string) *models.User {
	a.t.Helper()
	role, err := models.RoleByName(a.db, roleName)
	require.NoError(a.t, err)
	u := &models.User{Email: username + "@example.com", Username: username, Confirmed: true, RoleID: role.ID}
	require.NoError(a.t, u.SetPassword("cat"))
	require.NoError(a.t, a.db.Create(u).Error)
	return u
}

func (a *testApp) createPost(author *models.User, body string) *models.Post {
	a.t.Helper()
	p := &models.Post{Body: body, AuthorID: author.ID}
	require.NoError(a.t, a.db.Create(p).Error)
	return p
}

func (a *testApp) createComment(author *models.User, post *models.Post, body string) *models.Comment {
	a.t.Helper()
	c := &models.Comment{Body: body, AuthorID: author.ID, PostID: post.ID}
	require.NoError(a.t, a.db.Create(c).Error)
	return c
}

// browser keeps cookies between requests and never follows redirects on its own.
type browser struct {
	app    *testApp
	client *http.Client
}

func (a *testApp) browser() *browser {
	jar, err := cookiejar.New(nil)
	require.NoError(a.t, err)
	return &browser{app: a, client: &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (b *browser) do(req *http.Request) (*http.Response, string) {
	t := b.app.t
	t.Helper()
	resp, err := b.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (b *browser) get(path string) (*http.Response, string) {
	b.app.t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.app.srv.URL+path, nil)
	require.NoError(b.app.t, err)
	return b.do(req)
}

func (b *browser) post(path string, form url.Values) (*http.Response, string) {
	b.app.t.Helper()
	req, err := http.NewRequest(http.MethodPost, b.app.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(b.app.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func (b *browser) login(email, password string) {
	b.app.t.Helper()
	resp, body := b.post("/login", url.Values{"email": {email}, "password": {password}})
	require.Equal(b.app.t, http.StatusFound, resp.StatusCode, body)
}

func TestIndexAnonymous(t *testing.T) {
	app := newTestApp(t)
	susan := app.createUser("susan", models.RoleUser)
	app.createPost(susan, "hello *world*")

	resp, body := app.browser().get("/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Hello, Stranger!")
	assert.Contains(t, body, "<em>world</em>")
	assert.NotContains(t, body, "<textarea")
}

func TestUnknownPagesRenderNotFound(t *testing.T) {
	app := newTestApp(t)
	b := app.browser()
	for _, path := range []string{"/no/such/page", "/user/nobody", "/post/999", "/post/abc", "/followers/nobody"} {
		resp, body := b.get(path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Contains(t, body, "The page you are looking for does not exist.", path)
	}
}

func TestRegisterConfirmAndDuplicate(t *testing.T) {
	app := newTestApp(t)
	b := app.browser()

	form := url.Values{
		"email":            {"john@example.com"},
		"username":         {"john"},
		"password":         {"cat"},
		"password_confirm": {"cat"},
	}
	resp, _ := b.post("/register", form)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	_, body := b.get("/login")
	assert.Contains(t, body, "A confirmation email has been sent to you by email.")

	mail := app.lastMail()
	assert.Equal(t, "john@example.com", mail.To)
	assert.Contains(t, mail.Subject, "Confirm Your Account")
	link := regexp.MustCompile(`http://ming\.test(/confirm/\S+)`).FindStringSubmatch(mail.Body)
	require.Len(t, link, 2)

	_, body = b.post("/register", form)
	assert.Contains(t, body, "Email already registered.")
	assert.Contains(t, body, "Username already in use.")

	b.login("john@example.com", "cat")
	b.get("/confirm/not-a-token")
	_, body = b.get("/")
	assert.Contains(t, body, "The confirmation link is invalid or has expired.")

	resp, _ = b.get(link[1])
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	_, body = b.get("/")
	assert.Contains(t, body, "You have confirmed your account. Thanks!")

	john, err := models.UserByUsername(app.db, "john")
	require.NoError(t, err)
	assert.True(t, john.Confirmed)
	assert.Equal(t, models.RoleUser, john.Role.Name)
}

func TestRegisterValidation(t *testing.T) {
	app := newTestApp(t)
	_, body := app.browser().post("/register", url.Values{
		"email":            {"not-an-email"},
		"username":         {"1bad name"},
		"password":         {"cat"},
		"password_confirm": {"dog"},
	})
	assert.Contains(t, body, "has-error")
	assert.Contains(t, body, "Invalid email address.")
	assert.Contains(t, body, "Usernames must have only letters, numbers, dots or underscores.")
	assert.Contains(t, body, "Passwords must match.")
	var count int64
	require.NoError(t, app.db.Model(&models.User{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestOverlongPasswordIsAFormError(t *testing.T) {
	app := newTestApp(t)
	long := strings.Repeat("a", 80)
	resp, body := app.browser().post("/register", url.Values{
		"email":            {"john@example.com"},
		"username":         {"john"},
		"password":         {long},
		"password_confirm": {long},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Password cannot be longer than 72 bytes.")
	var count int64
	require.NoError(t, app.db.Model(&models.User{}).Count(&count).Error)
	assert.Zero(t, count)

	app.createUser("susan", models.RoleUser)
	b := app.browser()
	b.login("susan@example.com", "cat")
	resp, body = b.post("/change-password", url.Values{"old_password": {"cat"}, "password": {long}, "password_confirm": {long}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Password cannot be longer than 72 bytes.")
	b.login("susan@example.com", "cat")
}

func TestAdminEmailGetsAdministratorRole(t *testing.T) {
	app := newTestApp(t)
	resp, _ := app.browser().post("/register", url.Values{
		"email":            {"admin@example.com"},
		"username":         {"root"},
		"password":         {"cat"},
		"password_confirm": {"cat"},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	root, err := models.UserByUsername(app.db, "root")
	require.NoError(t, err)
	assert.True(t, root.IsAdministrator())
}

func TestLoginAndLogout(t *testing.T) {
	app := newTestApp(t)
	app.createUser("john", models.RoleUser)
	b := app.browser()

	_, body := b.post("/login", url.Values{"email": {"john@example.com"}, "password": {"dog"}})
	assert.Contains(t, body, "Invalid username or password.")

	resp, _ := b.post("/login?next=/edit-profile", url.Values{"email": {"john@example.com"}, "password": {"cat"}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/edit-profile", resp.Header.Get("Location"))

	_, body = b.get("/")
	assert.Contains(t, body, "Hello, john!")

	resp, _ = b.get("/logout")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	_, body = b.get("/")
	assert.Contains(t, body, "You have been logged out.")
	assert.Contains(t, body, "Hello, Stranger!")
}

func TestLoginRejectsOffsiteNext(t *testing.T) {
	app := newTestApp(t)
	app.createUser("john", models.RoleUser)
	resp, _ := app.browser().post("/login?next=//evil.example", url.Values{"email": {"john@example.com"}, "password": {"cat"}})
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestAnonymousWritesRedirectToLogin(t *testing.T) {
	app := newTestApp(t)
	b := app.browser()

	resp, _ := b.post("/", url.Values{"body": {"hi"}})
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login?next=%2F", resp.Header.Get("Location"))

	resp, _ = b.get("/follow/susan")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login?next="))

	_, body := b.get("/login")
	assert.Contains(t, body, "Please log in to access this page.")
}

func TestCreatePostAndComment(t *testing.T) {
	app := newTestApp(t)
	app.createUser("john", models.RoleUser)
	b := app.browser()
	b.login("john@example.com", "cat")

	_, body := b.post("/", url.Values{"body": {""}})
	assert.Contains(t, body, "This field is required.")

	resp, _ := b.post("/", url.Values{"body": {"my **first** post"}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	var post models.Post
	require.NoError(t, app.db.First(&post).Error)
	assert.Contains(t, post.BodyHTML, "<strong>first</strong>")

	resp, _ = b.post("/post/"+itoa(post.ID), url.Values{"body": {"nice"}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/post/"+itoa(post.ID)+"?page=-1#comments", resp.Header.Get("Location"))

	resp, body = b.get("/post/" + itoa(post.ID) + "?page=-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Your comment has been published.")
	assert.Contains(t, body, "<p>nice</p>")

	resp, _ = b.post("/post/999", url.Values{"body": {"lost"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEditPostPermissions(t *testing.T) {
	app := newTestApp(t)
	john := app.createUser("john", models.RoleUser)
	app.createUser("susan", models.RoleUser)
	app.createUser("boss", models.RoleAdministrator)
	post := app.createPost(john, "first draft")
	path := "/edit/" + itoa(post.ID)

	other := app.browser()
	other.login("susan@example.com", "cat")
	resp, body := other.get(path)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "You do not have permission")
	resp, _ = other.post(path, url.Values{"body": {"hijacked"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	author := app.browser()
	author.login("john@example.com", "cat")
	resp, body = author.get(path)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "first draft")
	resp, _ = author.post(path, url.Values{"body": {"edited"}})
	assert.Equal(t, "/post/"+itoa(post.ID), resp.Header.Get("Location"))

	admin := app.browser()
	admin.login("boss@example.com", "cat")
	resp, _ = admin.post(path, url.Values{"body": {"moderated by admin"}})
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	reloaded, err := models.PostByID(app.db, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "moderated by admin", reloaded.Body)
	assert.Equal(t, john.ID, reloaded.AuthorID)
}

func TestFollowAndUnfollow(t *testing.T) {
	app := newTestApp(t)
	app.createUser("john", models.RoleUser)
	app.createUser("susan", models.RoleUser)
	b := app.browser()
	b.login("john@example.com", "cat")

	resp, _ := b.get("/unfollow/susan")
	assert.Equal(t, "/user/susan", resp.Header.Get("Location"))
	_, body := b.get("/user/susan")
	assert.Contains(t, body, "You are not following this user.")

	b.get("/follow/susan")
	_, body = b.get("/user/susan")
	assert.Contains(t, body, "You are now following susan.")
	assert.Contains(t, body, `href="/unfollow/susan"`)

	b.get("/follow/susan")
	_, body = b.get("/user/susan")
	assert.Contains(t, body, "You are already following this user.")

	_, body = b.get("/followers/susan")
	assert.Contains(t, body, "Followers of susan")
	assert.Contains(t, body, "> john</a>")

	_, body = b.get("/followed-by/john")
	assert.Contains(t, body, "Followed by john")
	assert.Contains(t, body, "> susan</a>")

	b.get("/unfollow/susan")
	_, body = b.get("/user/susan")
	assert.Contains(t, body, "You are not following susan anymore.")

	resp, _ = b.get("/follow/nobody")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFollowedPostsTab(t *testing.T) {
	app := newTestApp(t)
	john := app.createUser("john", models.RoleUser)
	susan := app.createUser("susan", models.RoleUser)
	david := app.createUser("david", models.RoleUser)
	app.createPost(susan, "from susan")
	app.createPost(david, "from david")
	require.NoError(t, models.FollowUser(app.db, john, susan))

	b := app.browser()
	b.login("john@example.com", "cat")

	resp, _ := b.get("/followed")
	assert.Equal(t, "/", resp.Header.Get("Location"))
	_, body := b.get("/")
	assert.Contains(t, body, "from susan")
	assert.NotContains(t, body, "from david")

	b.get("/all")
	_, body = b.get("/")
	assert.Contains(t, body, "from susan")
	assert.Contains(t, body, "from david")
}

func TestModeration(t *testing.T) {
	app := newTestApp(t)
	john := app.createUser("john", models.RoleUser)
	app.createUser("mod", models.RoleModerator)
	post := app.createPost(john, "post")
	comment := app.createComment(john, post, "rude words")

	plain := app.browser()
	plain.login("john@example.com", "cat")
	resp, _ := plain.get("/moderate")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = plain.get("/moderate/disable/" + itoa(comment.ID))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	mod := app.browser()
	mod.login("mod@example.com", "cat")
	resp, body := mod.get("/moderate")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "rude words")

	resp, _ = mod.get("/moderate/disable/" + itoa(comment.ID) + "?page=2")
	assert.Equal(t, "/moderate?page=2", resp.Header.Get("Location"))

	_, body = app.browser().get("/post/" + itoa(post.ID))
	assert.Contains(t, body, "This comment has been disabled by a moderator.")
	assert.NotContains(t, body, "rude words")

	_, body = mod.get("/post/" + itoa(post.ID))
	assert.Contains(t, body, "rude words", "moderators still see the body")

	mod.get("/moderate/enable/" + itoa(comment.ID))
	_, body = app.browser().get("/post/" + itoa(post.ID))
	assert.Contains(t, body, "rude words")

	resp, _ = mod.get("/moderate/enable/999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEditProfile(t *testing.T) {
	app := newTestApp(t)
	app.createUser("john", models.RoleUser)
	b := app.browser()
	b.login("john@example.com", "cat")

	resp, _ := b.post("/edit-profile", url.Values{"name": {" John Doe "}, "location": {"Paris"}, "about_me": {"hi"}})
	assert.Equal(t, "/user/john", resp.Header.Get("Location"))
	_, body := b.get("/user/john")
	assert.Contains(t, body, "Your profile has been updated.")
	assert.Contains(t, body, "John Doe")
	assert.Contains(t, body, "Paris")

	resp, _ = b.get("/edit-profile/1")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminEditProfile(t *testing.T) {
	app := newTestApp(t)
	john := app.createUser("john", models.RoleUser)
	app.createUser("susan", models.RoleUser)
	app.createUser("boss", models.RoleAdministrator)
	mod, err := models.RoleByName(app.db, models.RoleModerator)
	require.NoError(t, err)

	b := app.browser()
	b.login("boss@example.com", "cat")
	path := "/edit-profile/" + itoa(john.ID)

	resp, body := b.get(path)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "john@example.com")

	_, body = b.post(path, url.Values{"email": {"susan@example.com"}, "username": {"john"}, "role": {itoa(mod.ID)}})
	assert.Contains(t, body, "Email already registered.")

	_, body = b.post(path, url.Values{"email": {"john@example.com"}, "username": {"john"}, "role": {"999"}})
	assert.Contains(t, body, "Not a valid choice.")

	resp, _ = b.post(path, url.Values{
		"email":     {"johnny@example.com"},
		"username":  {"johnny"},
		"role":      {itoa(mod.ID)},
		"confirmed": {"true"},
	})
	assert.Equal(t, "/user/johnny", resp.Header.Get("Location"))

	updated, err := models.UserByID(app.db, john.ID)
	require.NoError(t, err)
	assert.Equal(t, "johnny@example.com", updated.Email)
	assert.Equal(t, models.RoleModerator, updated.Role.Name)
	assert.True(t, updated.Can(models.PermModerateComments))
}

func TestChangePassword(t *testing.T) {
	app := newTestApp(t)
	app.createUser("john", models.RoleUser)
	b := app.browser()
	b.login("john@example.com", "cat")

	_, body := b.post("/change-password", url.Values{"old_password": {"dog"}, "password": {"new"}, "password_confirm": {"new"}})
	assert.Contains(t, body, "Invalid password.")

	resp, _ := b.post("/change-password", url.Values{"old_password": {"cat"}, "password": {"new"}, "password_confirm": {"new"}})
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	fresh := app.browser()
	fresh.login("john@example.com", "new")
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	john := app.createUser("john", models.RoleUser)
	app.createPost(john, "hello")

	resp, body := app.browser().get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"code":0,"message":"success","data":{"status":"ok","counts":{"user_count":1,"post_count":1,"comment_count":0,"follow_count":0}}}`, body)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
