package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/cppla/mingblog/config"
	"github.com/cppla/mingblog/controllers"
	"github.com/cppla/mingblog/middleware"
	"github.com/cppla/mingblog/models"
	"github.com/cppla/mingblog/utils"
	"github.com/cppla/mingblog/views"
)

// SetupRouter wires routes, middlewares, and controllers. The returned handler loads and
// saves the session around the gin engine.
func SetupRouter(db *gorm.DB, sm *scs.SessionManager) http.Handler {
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	accessLog := utils.Logger
	if cfg.GinPath != "" {
		gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
		if err == nil {
			accessLog = gl
		} else {
			utils.Sugar.Warnf("gin log file unavailable, using app logger: %v", err)
		}
	}
	r.Use(middleware.RequestID())
	r.Use(utils.Ginzap(accessLog, time.RFC3339, true))
	r.Use(utils.RecoveryWithZap(accessLog, true))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.HTMLRender = views.MustNew()
	controllers.RegisterValidators()

	sessions := middleware.NewSessions(sm)
	r.Use(middleware.LoadUser(db, sessions))

	auth := controllers.NewAuthController(db, sessions)
	posts := controllers.NewPostController(db, sessions)
	users := controllers.NewUserController(db, sessions)
	health := controllers.NewHealthController(db)

	login := middleware.LoginRequired(sessions)
	limit := middleware.RateLimitMiddleware()

	r.GET("/health", health.Health)

	r.GET("/", posts.Index)
	r.POST("/", login, middleware.PermissionRequired(models.PermWriteArticles), posts.CreatePost)
	r.GET("/all", posts.ShowAll)
	r.GET("/followed", login, posts.ShowFollowed)

	r.GET("/login", auth.LoginPage)
	r.POST("/login", limit, auth.Login)
	r.GET("/logout", login, auth.Logout)
	r.GET("/register", auth.RegisterPage)
	r.POST("/register", limit, auth.Register)
	r.GET("/captcha", limit, auth.Captcha)
	r.GET("/confirm", login, auth.ResendConfirmation)
	r.GET("/confirm/:token", login, auth.Confirm)
	r.GET("/change-password", login, auth.ChangePasswordPage)
	r.POST("/change-password", login, auth.ChangePassword)
	r.GET("/auth/:provider/login", limit, auth.OAuthRedirect)
	r.GET("/auth/:provider/callback", limit, auth.OAuthCallback)

	r.GET("/edit/:id", login, posts.EditPage)
	r.POST("/edit/:id", login, posts.Edit)
	r.GET("/post/:id", posts.Show)
	r.POST("/post/:id", login, middleware.PermissionRequired(models.PermComment), posts.CreateComment)

	moderate := r.Group("/moderate", login, middleware.PermissionRequired(models.PermModerateComments))
	moderate.GET("", posts.Moderate)
	moderate.GET("/enable/:id", posts.ModerateEnable)
	moderate.GET("/disable/:id", posts.ModerateDisable)

	follow := middleware.PermissionRequired(models.PermFollow)
	r.GET("/user/:username", users.Profile)
	r.GET("/follow/:username", login, follow, users.Follow)
	r.GET("/unfollow/:username", login, follow, users.Unfollow)
	r.GET("/followers/:username", users.Followers)
	r.GET("/followed-by/:username", users.FollowedBy)
	r.GET("/edit-profile", login, users.EditProfilePage)
	r.POST("/edit-profile", login, users.EditProfile)
	r.GET("/edit-profile/:id", login, middleware.AdminRequired(), users.EditProfileAdminPage)
	r.POST("/edit-profile/:id", login, middleware.AdminRequired(), users.EditProfileAdmin)

	r.NoRoute(func(ctx *gin.Context) {
		views.Abort(ctx, http.StatusNotFound, middleware.CurrentUser(ctx))
	})

	return sm.LoadAndSave(r)
}
