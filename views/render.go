package views

import (
	"crypto/md5"
	"embed"
	"encoding/hex"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"

	"github.com/cppla/mingblog/models"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	baseTemplate  = "base.html"
	layoutName    = "base"
	errorTemplate = "error.html"
)

// Renderer is a gin HTMLRender holding one template set per page, each joined with the base layout.
type Renderer struct {
	pages map[string]*template.Template
}

var _ render.HTMLRender = (*Renderer)(nil)

// New parses every embedded page against the base layout.
func New() (*Renderer, error) {
	names, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	r := &Renderer{pages: make(map[string]*template.Template, len(names))}
	for _, name := range names {
		page := path.Base(name)
		if page == baseTemplate {
			continue
		}
		t, err := template.New(page).Funcs(FuncMap()).
			ParseFS(templateFS, "templates/"+baseTemplate, name)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		r.pages[page] = t
	}
	if _, ok := r.pages[errorTemplate]; !ok {
		return nil, fmt.Errorf("missing %s", errorTemplate)
	}
	return r, nil
}

// MustNew is New that panics on a broken template.
func MustNew() *Renderer {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// Instance implements render.HTMLRender. Unknown pages fall back to the error page.
func (r *Renderer) Instance(name string, data any) render.Render {
	t, ok := r.pages[name]
	if !ok {
		t = r.pages[errorTemplate]
		data = gin.H{"Status": http.StatusInternalServerError, "Message": "template " + name + " not found"}
	}
	return render.HTML{Template: t, Name: layoutName, Data: data}
}

var errorMessages = map[int]string{
	http.StatusForbidden:           "You do not have permission to access this page.",
	http.StatusNotFound:            "The page you are looking for does not exist.",
	http.StatusTooManyRequests:     "Too many requests, slow down and try again shortly.",
	http.StatusInternalServerError: "Something went wrong on our side.",
}

// Abort renders the error page for status and stops the handler chain.
func Abort(ctx *gin.Context, status int, user *models.User) {
	msg, ok := errorMessages[status]
	if !ok {
		msg = http.StatusText(status)
	}
	ctx.HTML(status, errorTemplate, gin.H{
		"Title":       http.StatusText(status),
		"CurrentUser": user,
		"Status":      status,
		"Message":     msg,
	})
	ctx.Abort()
}

// FuncMap is available to every template.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"can": func(u any, perm models.Permission) bool {
			user, _ := u.(*models.User)
			return user.Can(perm)
		},
		"sameUser": func(a any, b *models.User) bool {
			user, _ := a.(*models.User)
			return user != nil && b != nil && user.ID == b.ID
		},
		"PermFollow":           func() models.Permission { return models.PermFollow },
		"PermComment":          func() models.Permission { return models.PermComment },
		"PermWriteArticles":    func() models.Permission { return models.PermWriteArticles },
		"PermModerateComments": func() models.Permission { return models.PermModerateComments },
		"PermAdminister":       func() models.Permission { return models.PermAdminister },
		"safe":                 func(s string) template.HTML { return template.HTML(s) },
		"datetime":             func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 UTC") },
		"fromNow":              func(t time.Time) string { return FromNow(t, time.Now()) },
		"gravatar":             Gravatar,
	}
}

// Gravatar returns the identicon URL for email at size pixels.
func Gravatar(email string, size int) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return fmt.Sprintf("https://secure.gravatar.com/avatar/%s?s=%d&d=identicon&r=g", hex.EncodeToString(sum[:]), size)
}

// FromNow renders t relative to now in coarse units.
func FromNow(t, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	unit := func(n int64, s string) string {
		if n == 1 {
			if s == "hour" {
				return "an hour ago"
			}
			return "a " + s + " ago"
		}
		return fmt.Sprintf("%d %ss ago", n, s)
	}
	switch {
	case d < 45*time.Second:
		return "a few seconds ago"
	case d < 45*time.Minute:
		return unit(max64(int64(d/time.Minute), 1), "minute")
	case d < 22*time.Hour:
		return unit(max64(int64(d/time.Hour), 1), "hour")
	case d < 26*24*time.Hour:
		return unit(max64(int64(d/(24*time.Hour)), 1), "day")
	case d < 320*24*time.Hour:
		return unit(max64(int64(d/(30*24*time.Hour)), 1), "month")
	default:
		return unit(max64(int64(d/(365*24*time.Hour)), 1), "year")
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
