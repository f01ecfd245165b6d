package middleware

import (
	"encoding/gob"

	"github.com/alexedwards/scs/v2"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

const (
	sessionUserIDKey = "uid"
	sessionFlashKey  = "flashes"
)

// Flash categories.
const (
	FlashInfo    = "info"
	FlashSuccess = "success"
	FlashWarning = "warning"
	FlashDanger  = "danger"
)

// Flash is a one-shot message shown on the next rendered page.
type Flash struct {
	Category string
	Message  string
}

func init() {
	gob.Register([]Flash{})
}

// Sessions binds an scs manager to gin handlers. The manager's LoadAndSave must wrap
// the engine so every request context carries session data.
type Sessions struct {
	Manager *scs.SessionManager
}

// NewSessions wraps sm.
func NewSessions(sm *scs.SessionManager) *Sessions {
	return &Sessions{Manager: sm}
}

// UserID returns the logged-in user's id or 0.
func (s *Sessions) UserID(ctx *gin.Context) uint {
	return uint(s.Manager.GetInt(ctx.Request.Context(), sessionUserIDKey))
}

// Login stores uid in a fresh session token. remember makes the cookie outlive the browser.
func (s *Sessions) Login(ctx *gin.Context, uid uint, remember bool) error {
	rc := ctx.Request.Context()
	if err := s.Manager.RenewToken(rc); err != nil {
		return errors.Wrap(err, "renew session token")
	}
	s.Manager.Put(rc, sessionUserIDKey, int(uid))
	s.Manager.RememberMe(rc, remember)
	return nil
}

// Logout drops the user id and rotates the token. Pending flashes survive.
func (s *Sessions) Logout(ctx *gin.Context) error {
	rc := ctx.Request.Context()
	s.Manager.Remove(rc, sessionUserIDKey)
	return errors.Wrap(s.Manager.RenewToken(rc), "renew session token")
}

// AddFlash queues a message for the next page.
func (s *Sessions) AddFlash(ctx *gin.Context, category, message string) {
	rc := ctx.Request.Context()
	flashes, _ := s.Manager.Get(rc, sessionFlashKey).([]Flash)
	s.Manager.Put(rc, sessionFlashKey, append(flashes, Flash{Category: category, Message: message}))
}

// PopFlashes returns and clears queued messages.
func (s *Sessions) PopFlashes(ctx *gin.Context) []Flash {
	flashes, _ := s.Manager.Pop(ctx.Request.Context(), sessionFlashKey).([]Flash)
	return flashes
}
