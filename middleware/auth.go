package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/mingblog/models"
	"github.com/cppla/mingblog/utils"
	"github.com/cppla/mingblog/views"
)

const (
	// ContextUserKey holds the authenticated *models.User in the gin context.
	ContextUserKey = "current_user"

	pingInterval = time.Minute
)

// CurrentUser returns the logged-in user or nil for anonymous requests.
func CurrentUser(ctx *gin.Context) *models.User {
	if v, ok := ctx.Get(ContextUserKey); ok {
		if u, ok := v.(*models.User); ok {
			return u
		}
	}
	return nil
}

// LoadUser resolves the session's user id and refreshes last_seen at most once per minute.
func LoadUser(db *gorm.DB, sessions *Sessions) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		uid := sessions.UserID(ctx)
		if uid == 0 {
			ctx.Next()
			return
		}
		user, err := models.UserByID(db, uid)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				utils.Logger.Error("load session user failed", zap.Uint("uid", uid), zap.Error(err))
			}
			ctx.Next()
			return
		}
		ctx.Set(ContextUserKey, user)

		if utils.TryCooldown(fmt.Sprintf("ping:%d", user.ID), pingInterval) {
			if err := user.Ping(db); err != nil {
				utils.Logger.Warn("ping failed", zap.Uint("uid", user.ID), zap.Error(err))
			}
		}
		ctx.Next()
	}
}

// LoginRequired redirects anonymous visitors to the login page, remembering where they were going.
func LoginRequired(sessions *Sessions) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if CurrentUser(ctx) != nil {
			ctx.Next()
			return
		}
		sessions.AddFlash(ctx, FlashInfo, "Please log in to access this page.")
		ctx.Redirect(http.StatusFound, "/login?next="+url.QueryEscape(ctx.Request.URL.RequestURI()))
		ctx.Abort()
	}
}

// PermissionRequired answers 403 unless the current user holds perm.
func PermissionRequired(perm models.Permission) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !CurrentUser(ctx).Can(perm) {
			views.Abort(ctx, http.StatusForbidden, CurrentUser(ctx))
			return
		}
		ctx.Next()
	}
}

// AdminRequired is PermissionRequired(models.PermAdminister).
func AdminRequired() gin.HandlerFunc {
	return PermissionRequired(models.PermAdminister)
}
