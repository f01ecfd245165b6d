package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/mingblog/config"
	"github.com/cppla/mingblog/middleware"
	"github.com/cppla/mingblog/models"
	"github.com/cppla/mingblog/utils"
	"github.com/cppla/mingblog/views"
)

const followCountsTTL = 5 * time.Minute

// UserController serves profiles, the follow graph and profile editing.
type UserController struct {
	base
}

// NewUserController creates a UserController.
func NewUserController(db *gorm.DB, sessions *middleware.Sessions) *UserController {
	return &UserController{base{db: db, sessions: sessions}}
}

type profileForm struct {
	Name     string `form:"name" binding:"max=64"`
	Location string `form:"location" binding:"max=64"`
	AboutMe  string `form:"about_me"`
}

type adminProfileForm struct {
	Email     string `form:"email" binding:"required,max=64,email"`
	Username  string `form:"username" binding:"required,max=64,username"`
	Confirmed bool   `form:"confirmed"`
	Role      uint   `form:"role" binding:"required"`
	Name      string `form:"name" binding:"max=64"`
	Location  string `form:"location" binding:"max=64"`
	AboutMe   string `form:"about_me"`
}

type followCounts struct {
	Followers int64 `json:"followers"`
	Followed  int64 `json:"followed"`
}

// followEntry is one row of a followers/following listing.
type followEntry struct {
	User      *models.User
	Timestamp time.Time
}

func followCountsKey(id uint) string {
	return fmt.Sprintf("cache:user:follows:%d", id)
}

func (u *UserController) counts(user *models.User) (followCounts, error) {
	var c followCounts
	if utils.CacheGetJSON(followCountsKey(user.ID), &c) {
		return c, nil
	}
	var err error
	if c.Followers, err = models.FollowerCount(u.db, user); err != nil {
		return c, err
	}
	if c.Followed, err = models.FollowedCount(u.db, user); err != nil {
		return c, err
	}
	utils.CacheSetJSON(followCountsKey(user.ID), c, followCountsTTL)
	return c, nil
}

// loadByUsername answers 404 itself for unknown users.
func (u *UserController) loadByUsername(ctx *gin.Context) (*models.User, bool) {
	user, err := models.UserByUsername(u.db, ctx.Param("username"))
	if err != nil {
		u.fail(ctx, err, "load user failed")
		return nil, false
	}
	return user, true
}

// Profile shows a user with their posts and follow counts.
func (u *UserController) Profile(ctx *gin.Context) {
	user, ok := u.loadByUsername(ctx)
	if !ok {
		return
	}
	current := middleware.CurrentUser(ctx)
	posts, err := models.PostsByAuthor(u.db, user)
	if err != nil {
		u.fail(ctx, err, "list user posts failed")
		return
	}
	counts, err := u.counts(user)
	if err != nil {
		u.fail(ctx, err, "count follows failed")
		return
	}
	following, err := models.IsFollowing(u.db, current, user)
	if err != nil {
		u.fail(ctx, err, "check follow failed")
		return
	}
	followsYou, err := models.IsFollowedBy(u.db, current, user)
	if err != nil {
		u.fail(ctx, err, "check follow failed")
		return
	}
	u.render(ctx, http.StatusOK, "user.html", gin.H{
		"Title":         user.Username,
		"User":          user,
		"Posts":         posts,
		"PostCount":     len(posts),
		"FollowerCount": counts.Followers,
		"FollowedCount": counts.Followed,
		"IsFollowing":   following,
		"FollowsYou":    followsYou,
	})
}

// Follow adds an edge from the current user. Following twice only flashes a notice.
func (u *UserController) Follow(ctx *gin.Context) {
	user, ok := u.loadByUsername(ctx)
	if !ok {
		return
	}
	current := middleware.CurrentUser(ctx)
	profile := "/user/" + user.Username
	following, err := models.IsFollowing(u.db, current, user)
	if err != nil {
		u.fail(ctx, err, "check follow failed")
		return
	}
	if following {
		u.flash(ctx, middleware.FlashInfo, "You are already following this user.")
		ctx.Redirect(http.StatusFound, profile)
		return
	}
	if err := models.FollowUser(u.db, current, user); err != nil {
		u.fail(ctx, err, "follow failed")
		return
	}
	utils.CacheDelete(followCountsKey(current.ID), followCountsKey(user.ID))
	u.flash(ctx, middleware.FlashSuccess, fmt.Sprintf("You are now following %s.", user.Username))
	ctx.Redirect(http.StatusFound, profile)
}

// Unfollow removes the edge. Unfollowing someone not followed only flashes a notice.
func (u *UserController) Unfollow(ctx *gin.Context) {
	user, ok := u.loadByUsername(ctx)
	if !ok {
		return
	}
	current := middleware.CurrentUser(ctx)
	profile := "/user/" + user.Username
	following, err := models.IsFollowing(u.db, current, user)
	if err != nil {
		u.fail(ctx, err, "check follow failed")
		return
	}
	if !following {
		u.flash(ctx, middleware.FlashInfo, "You are not following this user.")
		ctx.Redirect(http.StatusFound, profile)
		return
	}
	if err := models.UnfollowUser(u.db, current, user); err != nil {
		u.fail(ctx, err, "unfollow failed")
		return
	}
	utils.CacheDelete(followCountsKey(current.ID), followCountsKey(user.ID))
	u.flash(ctx, middleware.FlashSuccess, fmt.Sprintf("You are not following %s anymore.", user.Username))
	ctx.Redirect(http.StatusFound, profile)
}

// Followers lists who follows the user.
func (u *UserController) Followers(ctx *gin.Context) {
	u.listFollows(ctx, true)
}

// FollowedBy lists whom the user follows.
func (u *UserController) FollowedBy(ctx *gin.Context) {
	u.listFollows(ctx, false)
}

func (u *UserController) listFollows(ctx *gin.Context, followers bool) {
	user, ok := u.loadByUsername(ctx)
	if !ok {
		return
	}
	page := max(parsePage(ctx), 1)
	perPage := config.Get().FollowersPerPage

	var (
		edges   []models.Follow
		total   int64
		err     error
		heading string
		path    string
	)
	if followers {
		edges, total, err = models.Followers(u.db, user, page, perPage)
		heading, path = "Followers of "+user.Username, "/followers/"+user.Username
	} else {
		edges, total, err = models.FollowedBy(u.db, user, page, perPage)
		heading, path = "Followed by "+user.Username, "/followed-by/"+user.Username
	}
	if err != nil {
		u.fail(ctx, err, "list follows failed")
		return
	}

	entries := make([]followEntry, 0, len(edges))
	for _, e := range edges {
		other := e.Followed
		if followers {
			other = e.Follower
		}
		if other == nil {
			continue
		}
		entries = append(entries, followEntry{User: other, Timestamp: e.Timestamp})
	}
	u.render(ctx, http.StatusOK, "followers.html", gin.H{
		"Title":      heading,
		"Heading":    heading,
		"User":       user,
		"Follows":    entries,
		"Pagination": views.NewPagination(path, page, perPage, total),
	})
}

// EditProfilePage shows the current user's profile form.
func (u *UserController) EditProfilePage(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	u.render(ctx, http.StatusOK, "edit_profile.html", gin.H{
		"Title":  "Edit Profile",
		"Action": "/edit-profile",
		"Form":   profileForm{Name: user.Name, Location: user.Location, AboutMe: user.AboutMe},
	})
}

// EditProfile saves name, location and about me for the current user.
func (u *UserController) EditProfile(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	var form profileForm
	if err := ctx.ShouldBind(&form); err != nil {
		u.render(ctx, http.StatusOK, "edit_profile.html", gin.H{
			"Title":  "Edit Profile",
			"Action": "/edit-profile",
			"Form":   form,
			"Errors": formErrors(&form, err),
		})
		return
	}
	err := u.db.Model(user).Omit(clause.Associations).Updates(map[string]any{
		"name":     strings.TrimSpace(form.Name),
		"location": strings.TrimSpace(form.Location),
		"about_me": form.AboutMe,
	}).Error
	if err != nil {
		u.fail(ctx, err, "update profile failed")
		return
	}
	u.flash(ctx, middleware.FlashSuccess, "Your profile has been updated.")
	ctx.Redirect(http.StatusFound, "/user/"+user.Username)
}

// EditProfileAdminPage shows every editable field of a user to an administrator.
func (u *UserController) EditProfileAdminPage(ctx *gin.Context) {
	user, ok := u.loadByID(ctx)
	if !ok {
		return
	}
	form := adminProfileForm{
		Email:     user.Email,
		Username:  user.Username,
		Confirmed: user.Confirmed,
		Role:      user.RoleID,
		Name:      user.Name,
		Location:  user.Location,
		AboutMe:   user.AboutMe,
	}
	u.renderAdminProfile(ctx, user, form, nil)
}

// EditProfileAdmin saves account fields, including role and confirmation, for any user.
func (u *UserController) EditProfileAdmin(ctx *gin.Context) {
	user, ok := u.loadByID(ctx)
	if !ok {
		return
	}
	var form adminProfileForm
	if err := ctx.ShouldBind(&form); err != nil {
		u.renderAdminProfile(ctx, user, form, formErrors(&form, err))
		return
	}
	form.Email = strings.TrimSpace(form.Email)
	form.Username = strings.TrimSpace(form.Username)

	errs := map[string]string{}
	taken, err := models.EmailTaken(u.db, form.Email, user.ID)
	if err != nil {
		u.fail(ctx, err, "check email failed")
		return
	}
	if taken {
		errs["email"] = "Email already registered."
	}
	taken, err = models.UsernameTaken(u.db, form.Username, user.ID)
	if err != nil {
		u.fail(ctx, err, "check username failed")
		return
	}
	if taken {
		errs["username"] = "Username already in use."
	}
	var role models.Role
	if err := u.db.First(&role, form.Role).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			u.fail(ctx, err, "load role failed")
			return
		}
		errs["role"] = "Not a valid choice."
	}
	if len(errs) > 0 {
		u.renderAdminProfile(ctx, user, form, errs)
		return
	}

	err = u.db.Model(user).Omit(clause.Associations).Updates(map[string]any{
		"email":     form.Email,
		"username":  form.Username,
		"confirmed": form.Confirmed,
		"role_id":   role.ID,
		"name":      strings.TrimSpace(form.Name),
		"location":  strings.TrimSpace(form.Location),
		"about_me":  form.AboutMe,
	}).Error
	if err != nil {
		u.fail(ctx, err, "admin update profile failed")
		return
	}
	utils.Logger.Info("profile updated by admin",
		zap.Uint("uid", user.ID), zap.Uint("admin", middleware.CurrentUser(ctx).ID), zap.String("role", role.Name))
	u.flash(ctx, middleware.FlashSuccess, "The profile has been updated.")
	ctx.Redirect(http.StatusFound, "/user/"+form.Username)
}

func (u *UserController) loadByID(ctx *gin.Context) (*models.User, bool) {
	id, ok := parseID(ctx, "id")
	if !ok {
		u.abort(ctx, http.StatusNotFound)
		return nil, false
	}
	user, err := models.UserByID(u.db, id)
	if err != nil {
		u.fail(ctx, err, "load user failed")
		return nil, false
	}
	return user, true
}

func (u *UserController) renderAdminProfile(ctx *gin.Context, user *models.User, form adminProfileForm, errs map[string]string) {
	var roles []models.Role
	if err := u.db.Order("name").Find(&roles).Error; err != nil {
		u.fail(ctx, err, "list roles failed")
		return
	}
	if errs == nil {
		errs = map[string]string{}
	}
	u.render(ctx, http.StatusOK, "edit_profile.html", gin.H{
		"Title":  "Edit Profile",
		"Action": fmt.Sprintf("/edit-profile/%d", user.ID),
		"Admin":  true,
		"User":   user,
		"Roles":  roles,
		"Form":   form,
		"Errors": errs,
	})
}
