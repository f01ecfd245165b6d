package controllers

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/mingblog/middleware"
	"github.com/cppla/mingblog/utils"
	"github.com/cppla/mingblog/views"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)

// maxPasswordBytes is the longest input bcrypt accepts.
const maxPasswordBytes = 72

var registerOnce sync.Once

// RegisterValidators adds the custom binding tags used by the forms.
func RegisterValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
				return usernamePattern.MatchString(fl.Field().String())
			})
			_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
				return len(fl.Field().String()) <= maxPasswordBytes
			})
		}
	})
}

// base carries what every page handler needs.
type base struct {
	db       *gorm.DB
	sessions *middleware.Sessions
}

// render adds the current user and pending flashes to data and writes page.
func (b *base) render(ctx *gin.Context, status int, page string, data gin.H) {
	if data == nil {
		data = gin.H{}
	}
	data["CurrentUser"] = middleware.CurrentUser(ctx)
	data["Flashes"] = b.sessions.PopFlashes(ctx)
	if _, ok := data["Errors"]; !ok {
		data["Errors"] = map[string]string{}
	}
	ctx.HTML(status, page, data)
}

func (b *base) flash(ctx *gin.Context, category, message string) {
	b.sessions.AddFlash(ctx, category, message)
}

func (b *base) abort(ctx *gin.Context, status int) {
	views.Abort(ctx, status, middleware.CurrentUser(ctx))
}

// fail maps gorm's not-found to 404 and logs anything else as a 500.
func (b *base) fail(ctx *gin.Context, err error, msg string) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		b.abort(ctx, http.StatusNotFound)
		return
	}
	utils.Logger.Error(msg, zap.Error(err), zap.String("path", ctx.Request.URL.Path))
	b.abort(ctx, http.StatusInternalServerError)
}

// parsePage reads ?page=, defaulting to 1. -1 is kept for "last page".
func parsePage(ctx *gin.Context) int {
	n, err := strconv.Atoi(strings.TrimSpace(ctx.Query("page")))
	if err != nil || (n < 1 && n != -1) {
		return 1
	}
	return n
}

func parseID(ctx *gin.Context, name string) (uint, bool) {
	n, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

// formErrors turns binding errors into messages keyed by the form field name.
func formErrors(form any, err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["form"] = "Invalid form submission."
		return out
	}
	t := reflect.TypeOf(form)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	for _, fe := range verrs {
		key := strings.ToLower(fe.Field())
		if sf, ok := t.FieldByName(fe.StructField()); ok {
			if tag := strings.Split(sf.Tag.Get("form"), ",")[0]; tag != "" {
				key = tag
			}
		}
		if _, seen := out[key]; !seen {
			out[key] = fieldMessage(fe)
		}
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "email":
		return "Invalid email address."
	case "max":
		return "Field cannot be longer than " + fe.Param() + " characters."
	case "eqfield":
		return "Passwords must match."
	case "username":
		return "Usernames must have only letters, numbers, dots or underscores."
	case "password":
		return "Password cannot be longer than 72 bytes."
	default:
		return "Invalid value."
	}
}

// safeNext accepts only local absolute paths as a post-login redirect.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}
