package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/cppla/mingblog/config"
	"github.com/cppla/mingblog/utils"
)

const testSecret = "test-secret"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	utils.PasswordCost = bcrypt.MinCost

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := config.Open(config.DriverSQLite, "file:"+name+"?mode=memory&cache=shared", "silent")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&Role{}, &User{}, &Follow{}, &Post{}, &Comment{}))
	require.NoError(t, InsertRoles(db))
	return db
}

func createUser(t *testing.T, db *gorm.DB, username string) *User {
	t.Helper()
	u := &User{Email: username + "@example.com", Username: username}
	require.NoError(t, u.SetPassword("cat"))
	require.NoError(t, db.Create(u).Error)
	loaded, err := UserByID(db, u.ID)
	require.NoError(t, err)
	return loaded
}

func withRole(t *testing.T, db *gorm.DB, u *User, name string) *User {
	t.Helper()
	role, err := RoleByName(db, name)
	require.NoError(t, err)
	require.NoError(t, db.Model(u).UpdateColumn("role_id", role.ID).Error)
	loaded, err := UserByID(db, u.ID)
	require.NoError(t, err)
	return loaded
}

func TestInsertRolesIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, InsertRoles(db))

	var count int64
	require.NoError(t, db.Model(&Role{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)

	def, err := DefaultRole(db)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, def.Name)
	assert.Equal(t, PermFollow|PermComment|PermWriteArticles, def.Permissions)

	mod, err := RoleByName(db, RoleModerator)
	require.NoError(t, err)
	assert.False(t, mod.Default)
	assert.True(t, mod.Permissions.Has(PermModerateComments))
}

func TestUserPermissionsByRole(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "john")
	moderator := withRole(t, db, createUser(t, db, "mod"), RoleModerator)
	admin := withRole(t, db, createUser(t, db, "admin"), RoleAdministrator)
	var anonymous *User

	tests := []struct {
		name string
		user *User
		can  map[Permission]bool
	}{
		{"user", user, map[Permission]bool{
			PermFollow: true, PermComment: true, PermWriteArticles: true,
			PermModerateComments: false, PermAdminister: false,
		}},
		{"moderator", moderator, map[Permission]bool{
			PermFollow: true, PermComment: true, PermWriteArticles: true,
			PermModerateComments: true, PermAdminister: false,
		}},
		{"administrator", admin, map[Permission]bool{
			PermFollow: true, PermComment: true, PermWriteArticles: true,
			PermModerateComments: true, PermAdminister: true,
		}},
		{"anonymous", anonymous, map[Permission]bool{
			PermFollow: false, PermComment: false, PermWriteArticles: false,
			PermModerateComments: false, PermAdminister: false,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for perm, want := range tt.can {
				assert.Equal(t, want, tt.user.Can(perm), "permission %#x", int(perm))
			}
			assert.Equal(t, tt.can[PermAdminister], tt.user.IsAdministrator())
		})
	}
}

func TestNewUserGetsDefaultRole(t *testing.T) {
	db := newTestDB(t)
	u := createUser(t, db, "susan")
	require.NotNil(t, u.Role)
	assert.Equal(t, RoleUser, u.Role.Name)
	assert.False(t, u.MemberSince.IsZero())
	assert.False(t, u.LastSeen.IsZero())
}

func TestAssignRoleForAdminEmail(t *testing.T) {
	db := newTestDB(t)

	admin := &User{Email: "Boss@Example.com", Username: "boss"}
	require.NoError(t, admin.AssignRole(db, []string{"boss@example.com"}))
	assert.Equal(t, RoleAdministrator, admin.Role.Name)

	plain := &User{Email: "someone@example.com", Username: "someone"}
	require.NoError(t, plain.AssignRole(db, []string{"boss@example.com"}))
	assert.Equal(t, RoleUser, plain.Role.Name)
}

func TestPasswordHashing(t *testing.T) {
	u := &User{}
	require.NoError(t, u.SetPassword("cat"))
	assert.NotEmpty(t, u.PasswordHash)
	assert.NotEqual(t, "cat", u.PasswordHash)
	assert.True(t, u.VerifyPassword("cat"))
	assert.False(t, u.VerifyPassword("dog"))

	_, err := u.Password()
	assert.ErrorIs(t, err, ErrPasswordNotReadable)

	other := &User{}
	require.NoError(t, other.SetPassword("cat"))
	assert.NotEqual(t, u.PasswordHash, other.PasswordHash, "hashes are salted")

	raw, err := json.Marshal(u)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), u.PasswordHash)
}

func TestVerifyPasswordWithoutHash(t *testing.T) {
	assert.False(t, (&User{}).VerifyPassword(""))
}

func TestConfirmationToken(t *testing.T) {
	db := newTestDB(t)
	u1 := createUser(t, db, "one")
	u2 := createUser(t, db, "two")

	token, err := u1.GenerateConfirmationToken(testSecret, time.Hour)
	require.NoError(t, err)

	assert.False(t, u2.Confirm(testSecret, token), "token of another user")
	assert.False(t, u2.Confirmed)
	assert.False(t, u1.Confirm("other-secret", token), "wrong secret")
	assert.False(t, u1.Confirm(testSecret, "not-a-token"), "malformed")

	assert.True(t, u1.Confirm(testSecret, token))
	assert.True(t, u1.Confirmed)
}

func TestExpiredConfirmationToken(t *testing.T) {
	u := &User{ID: 7}
	token, err := u.GenerateConfirmationToken(testSecret, -time.Second)
	require.NoError(t, err)
	assert.False(t, u.Confirm(testSecret, token))
	assert.False(t, u.Confirmed)
}

func TestPingUpdatesLastSeen(t *testing.T) {
	db := newTestDB(t)
	u := createUser(t, db, "pinger")
	before := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Model(u).UpdateColumn("last_seen", before).Error)

	require.NoError(t, u.Ping(db))
	reloaded, err := UserByID(db, u.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.LastSeen.After(before.Add(time.Minute)))
}

func TestFollowGraph(t *testing.T) {
	db := newTestDB(t)
	john := createUser(t, db, "john")
	susan := createUser(t, db, "susan")

	following, err := IsFollowing(db, john, susan)
	require.NoError(t, err)
	assert.False(t, following)

	require.NoError(t, FollowUser(db, john, susan))
	require.NoError(t, FollowUser(db, john, susan), "following twice is not an error")

	var edges int64
	require.NoError(t, db.Model(&Follow{}).Count(&edges).Error)
	assert.Equal(t, int64(1), edges, "following twice keeps a single edge")

	following, err = IsFollowing(db, john, susan)
	require.NoError(t, err)
	assert.True(t, following)
	back, err := IsFollowing(db, susan, john)
	require.NoError(t, err)
	assert.False(t, back, "edges are directed")
	by, err := IsFollowedBy(db, susan, john)
	require.NoError(t, err)
	assert.True(t, by)

	n, err := FollowerCount(db, susan)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = FollowedCount(db, john)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	followers, total, err := Followers(db, susan, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, followers, 1)
	assert.Equal(t, "john", followers[0].Follower.Username)

	followed, total, err := FollowedBy(db, john, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, followed, 1)
	assert.Equal(t, "susan", followed[0].Followed.Username)

	require.NoError(t, UnfollowUser(db, john, susan))
	require.NoError(t, UnfollowUser(db, john, susan), "unfollowing a non-followed user is a no-op")
	following, err = IsFollowing(db, john, susan)
	require.NoError(t, err)
	assert.False(t, following)
}

func TestIsFollowingAnonymous(t *testing.T) {
	db := newTestDB(t)
	u := createUser(t, db, "lonely")
	following, err := IsFollowing(db, nil, u)
	require.NoError(t, err)
	assert.False(t, following)
}

func TestListPostsFollowedOnly(t *testing.T) {
	db := newTestDB(t)
	reader := createUser(t, db, "reader")
	author := createUser(t, db, "author")
	stranger := createUser(t, db, "stranger")
	require.NoError(t, FollowUser(db, reader, author))

	require.NoError(t, db.Create(&Post{Body: "followed post", AuthorID: author.ID}).Error)
	require.NoError(t, db.Create(&Post{Body: "stranger post", AuthorID: stranger.ID}).Error)

	all, total, err := ListPosts(db, nil, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)

	mine, total, err := ListPosts(db, reader, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, mine, 1)
	assert.Equal(t, "followed post", mine[0].Body)
	require.NotNil(t, mine[0].Author)
	assert.Equal(t, "author", mine[0].Author.Username)
}

func TestListPostsNewestFirstAndPaged(t *testing.T) {
	db := newTestDB(t)
	u := createUser(t, db, "writer")
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Create(&Post{
			Body:      strings.Repeat("x", i+1),
			AuthorID:  u.ID,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	page1, total, err := ListPosts(db, nil, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page1, 2)
	assert.Equal(t, "xxxxx", page1[0].Body)

	page3, _, err := ListPosts(db, nil, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "x", page3[0].Body)
}

func TestPostBodyHTMLIsSanitized(t *testing.T) {
	db := newTestDB(t)
	u := createUser(t, db, "markdown")

	post := &Post{Body: "**bold** <script>alert(1)</script> <img src=x onerror=alert(1)>", AuthorID: u.ID}
	require.NoError(t, db.Create(post).Error)
	assert.Contains(t, post.BodyHTML, "<strong>bold</strong>")
	assert.NotContains(t, post.BodyHTML, "<script")
	assert.NotContains(t, post.BodyHTML, "<img")

	post.Body = "# Title"
	require.NoError(t, db.Save(post).Error)
	reloaded, err := PostByID(db, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Title</h1>", reloaded.BodyHTML)
}

func TestCommentsPagingAndModeration(t *testing.T) {
	db := newTestDB(t)
	u := createUser(t, db, "chatty")
	post := &Post{Body: "post", AuthorID: u.ID}
	require.NoError(t, db.Create(post).Error)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&Comment{
			Body:      strings.Repeat("c", i+1),
			AuthorID:  u.ID,
			PostID:    post.ID,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	n, err := CountComments(db, post.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	oldest, err := PostComments(db, post.ID, 1, 2)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, "c", oldest[0].Body)

	recent, total, err := RecentComments(db, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, recent, 2)
	assert.Equal(t, "ccc", recent[0].Body)

	c := recent[0]
	require.NoError(t, c.SetDisabled(db, true))
	reloaded, err := CommentByID(db, c.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Disabled)
	require.NoError(t, reloaded.SetDisabled(db, false))
	reloaded, err = CommentByID(db, c.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Disabled)
}

func TestEmailAndUsernameTaken(t *testing.T) {
	db := newTestDB(t)
	u := createUser(t, db, "taken")

	taken, err := EmailTaken(db, "taken@example.com", 0)
	require.NoError(t, err)
	assert.True(t, taken)
	taken, err = EmailTaken(db, "taken@example.com", u.ID)
	require.NoError(t, err)
	assert.False(t, taken, "own email is not a conflict")
	taken, err = UsernameTaken(db, "free", 0)
	require.NoError(t, err)
	assert.False(t, taken)

	dup := &User{Email: "taken@example.com", Username: "other"}
	assert.Error(t, db.Create(dup).Error, "unique index on email")
}
