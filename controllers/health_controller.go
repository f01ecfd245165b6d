package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/mingblog/models"
	"github.com/cppla/mingblog/utils"
)

const healthCacheKey = "cache:health:counts"

// HealthController reports liveness plus a few content counters.
type HealthController struct {
	db *gorm.DB
}

// NewHealthController creates a HealthController.
func NewHealthController(db *gorm.DB) *HealthController {
	return &HealthController{db: db}
}

type contentCounts struct {
	Users    int64 `json:"user_count"`
	Posts    int64 `json:"post_count"`
	Comments int64 `json:"comment_count"`
	Follows  int64 `json:"follow_count"`
}

// Health pings the database and returns counts, cached for a minute when redis is available.
func (h *HealthController) Health(ctx *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx.Request.Context())
	}
	if err != nil {
		utils.Logger.Error("health check failed", zap.Error(err))
		utils.Error(ctx, http.StatusServiceUnavailable, 50300, "database unavailable")
		return
	}

	var counts contentCounts
	if !utils.CacheGetJSON(healthCacheKey, &counts) {
		// a failed count reports 0 rather than failing the probe
		h.db.Model(&models.User{}).Count(&counts.Users)
		h.db.Model(&models.Post{}).Count(&counts.Posts)
		h.db.Model(&models.Comment{}).Count(&counts.Comments)
		h.db.Model(&models.Follow{}).Count(&counts.Follows)
		utils.CacheSetJSON(healthCacheKey, counts, time.Minute)
	}
	utils.Success(ctx, gin.H{"status": "ok", "counts": counts})
}
