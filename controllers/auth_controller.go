package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"github.com/cppla/mingblog/config"
	"github.com/cppla/mingblog/middleware"
	"github.com/cppla/mingblog/models"
	"github.com/cppla/mingblog/utils"
)

const oauthStateTTL = 10 * time.Minute

// AuthController handles login, registration, account confirmation and third-party login.
type AuthController struct {
	base
}

// NewAuthController creates an AuthController.
func NewAuthController(db *gorm.DB, sessions *middleware.Sessions) *AuthController {
	return &AuthController{base{db: db, sessions: sessions}}
}

type loginForm struct {
	Email      string `form:"email" binding:"required,max=64,email"`
	Password   string `form:"password" binding:"required"`
	RememberMe bool   `form:"remember_me"`
}

type registerForm struct {
	Email           string `form:"email" binding:"required,max=64,email"`
	Username        string `form:"username" binding:"required,max=64,username"`
	Password        string `form:"password" binding:"required,password"`
	PasswordConfirm string `form:"password_confirm" binding:"required,eqfield=Password"`
	CaptchaID       string `form:"captcha_id"`
	CaptchaAnswer   string `form:"captcha_answer"`
}

type changePasswordForm struct {
	OldPassword     string `form:"old_password" binding:"required"`
	Password        string `form:"password" binding:"required,password"`
	PasswordConfirm string `form:"password_confirm" binding:"required,eqfield=Password"`
}

// LoginPage shows the login form.
func (a *AuthController) LoginPage(ctx *gin.Context) {
	a.renderLogin(ctx, http.StatusOK, loginForm{}, nil)
}

// Login checks email and password and starts a session.
func (a *AuthController) Login(ctx *gin.Context) {
	var form loginForm
	if err := ctx.ShouldBind(&form); err != nil {
		a.renderLogin(ctx, http.StatusOK, form, formErrors(&form, err))
		return
	}

	var user models.User
	err := a.db.Preload("Role").Where("email = ?", strings.TrimSpace(form.Email)).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		a.fail(ctx, err, "load user for login failed")
		return
	}
	if err != nil || !user.VerifyPassword(form.Password) {
		a.renderLogin(ctx, http.StatusOK, form, map[string]string{"form": "Invalid username or password."})
		return
	}

	if err := a.sessions.Login(ctx, user.ID, form.RememberMe); err != nil {
		a.fail(ctx, err, "start session failed")
		return
	}
	if err := user.Ping(a.db); err != nil {
		utils.Logger.Warn("ping on login failed", zap.Uint("uid", user.ID), zap.Error(err))
	}
	ctx.Redirect(http.StatusFound, safeNext(ctx.Query("next")))
}

func (a *AuthController) renderLogin(ctx *gin.Context, status int, form loginForm, errs map[string]string) {
	if errs == nil {
		errs = map[string]string{}
	}
	a.render(ctx, status, "login.html", gin.H{
		"Title":          "Login",
		"Form":           form,
		"Errors":         errs,
		"Next":           ctx.Query("next"),
		"OAuthProviders": enabledProviders(config.Get()),
	})
}

// Logout ends the session.
func (a *AuthController) Logout(ctx *gin.Context) {
	if err := a.sessions.Logout(ctx); err != nil {
		a.fail(ctx, err, "end session failed")
		return
	}
	a.flash(ctx, middleware.FlashInfo, "You have been logged out.")
	ctx.Redirect(http.StatusFound, "/")
}

// RegisterPage shows the registration form.
func (a *AuthController) RegisterPage(ctx *gin.Context) {
	a.renderRegister(ctx, http.StatusOK, registerForm{}, nil)
}

// Register creates a local account and mails a confirmation link.
func (a *AuthController) Register(ctx *gin.Context) {
	cfg := config.Get()
	var form registerForm
	if err := ctx.ShouldBind(&form); err != nil {
		a.renderRegister(ctx, http.StatusOK, form, formErrors(&form, err))
		return
	}
	form.Email = strings.TrimSpace(form.Email)
	form.Username = strings.TrimSpace(form.Username)

	if cfg.RegisterCaptchaEnabled && !utils.VerifyCaptcha(form.CaptchaID, form.CaptchaAnswer) {
		a.renderRegister(ctx, http.StatusOK, form, map[string]string{"captcha": "Incorrect captcha."})
		return
	}

	ip := ctx.ClientIP()
	if !utils.RegistrationDailyLimitCheck(ip) {
		a.renderRegister(ctx, http.StatusTooManyRequests, form, map[string]string{"form": "Too many registrations from your address today."})
		return
	}

	errs := map[string]string{}
	taken, err := models.EmailTaken(a.db, form.Email, 0)
	if err != nil {
		a.fail(ctx, err, "check email failed")
		return
	}
	if taken {
		errs["email"] = "Email already registered."
	}
	taken, err = models.UsernameTaken(a.db, form.Username, 0)
	if err != nil {
		a.fail(ctx, err, "check username failed")
		return
	}
	if taken {
		errs["username"] = "Username already in use."
	}
	if len(errs) > 0 {
		a.renderRegister(ctx, http.StatusOK, form, errs)
		return
	}

	if !utils.RegistrationCooldownTry(ip) {
		a.renderRegister(ctx, http.StatusTooManyRequests, form, map[string]string{"form": "Please wait a moment before trying again."})
		return
	}

	user := models.User{Email: form.Email, Username: form.Username}
	if err := user.AssignRole(a.db, cfg.AdminEmails); err != nil {
		a.fail(ctx, err, "assign role failed")
		return
	}
	if err := user.SetPassword(form.Password); err != nil {
		a.fail(ctx, err, "set password failed")
		return
	}
	if err := a.db.Create(&user).Error; err != nil {
		a.fail(ctx, err, "create user failed")
		return
	}
	utils.RegistrationDailyIncrement(ip)
	utils.Logger.Info("user registered", zap.Uint("uid", user.ID), zap.String("username", user.Username))

	if err := a.sendConfirmation(&user); err != nil {
		utils.Logger.Error("send confirmation failed", zap.Uint("uid", user.ID), zap.Error(err))
		a.flash(ctx, middleware.FlashWarning, "Your account was created but the confirmation email could not be sent.")
	} else {
		a.flash(ctx, middleware.FlashInfo, "A confirmation email has been sent to you by email.")
	}
	ctx.Redirect(http.StatusFound, "/login")
}

func (a *AuthController) renderRegister(ctx *gin.Context, status int, form registerForm, errs map[string]string) {
	if errs == nil {
		errs = map[string]string{}
	}
	form.Password, form.PasswordConfirm, form.CaptchaAnswer = "", "", ""
	a.render(ctx, status, "register.html", gin.H{
		"Title":          "Register",
		"Form":           form,
		"Errors":         errs,
		"CaptchaEnabled": config.Get().RegisterCaptchaEnabled,
	})
}

func (a *AuthController) sendConfirmation(user *models.User) error {
	cfg := config.Get()
	token, err := user.GenerateConfirmationToken(cfg.SecretKey, cfg.ConfirmTokenExpiry())
	if err != nil {
		return err
	}
	link := strings.TrimRight(cfg.ExternalURL, "/") + "/confirm/" + url.PathEscape(token)
	body := fmt.Sprintf("Dear %s,\n\nWelcome to Ming!\n\nTo confirm your account please click on the following link:\n\n%s\n\n"+
		"The link expires in %s.\n\nNote: replies to this email address are not monitored.\n",
		user.Username, link, cfg.ConfirmTokenExpiry())
	return utils.SendMail(user.Email, cfg.MailSubjectPrefix+" Confirm Your Account", body)
}

// Confirm validates a confirmation token for the logged-in user.
func (a *AuthController) Confirm(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	if user.Confirmed {
		ctx.Redirect(http.StatusFound, "/")
		return
	}
	if !user.Confirm(config.Get().SecretKey, ctx.Param("token")) {
		a.flash(ctx, middleware.FlashDanger, "The confirmation link is invalid or has expired.")
		ctx.Redirect(http.StatusFound, "/")
		return
	}
	if err := a.db.Model(user).UpdateColumn("confirmed", true).Error; err != nil {
		a.fail(ctx, err, "save confirmation failed")
		return
	}
	a.flash(ctx, middleware.FlashSuccess, "You have confirmed your account. Thanks!")
	ctx.Redirect(http.StatusFound, "/")
}

// ResendConfirmation mails a fresh token, at most once per cooldown window.
func (a *AuthController) ResendConfirmation(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	if user.Confirmed {
		ctx.Redirect(http.StatusFound, "/")
		return
	}
	cooldown := time.Duration(config.Get().ConfirmResendCooldownSec) * time.Second
	if cooldown > 0 && !utils.TryCooldown(fmt.Sprintf("confirm:resend:%d", user.ID), cooldown) {
		a.flash(ctx, middleware.FlashWarning, "Please wait before requesting another confirmation email.")
		ctx.Redirect(http.StatusFound, "/")
		return
	}
	if err := a.sendConfirmation(user); err != nil {
		utils.Logger.Error("resend confirmation failed", zap.Uint("uid", user.ID), zap.Error(err))
		a.flash(ctx, middleware.FlashDanger, "The confirmation email could not be sent.")
	} else {
		a.flash(ctx, middleware.FlashInfo, "A new confirmation email has been sent to you by email.")
	}
	ctx.Redirect(http.StatusFound, "/")
}

// ChangePasswordPage shows the password form.
func (a *AuthController) ChangePasswordPage(ctx *gin.Context) {
	a.render(ctx, http.StatusOK, "change_password.html", gin.H{"Title": "Change Password"})
}

// ChangePassword replaces the password after checking the old one.
func (a *AuthController) ChangePassword(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	var form changePasswordForm
	if err := ctx.ShouldBind(&form); err != nil {
		a.render(ctx, http.StatusOK, "change_password.html", gin.H{"Title": "Change Password", "Errors": formErrors(&form, err)})
		return
	}
	if !user.VerifyPassword(form.OldPassword) {
		a.render(ctx, http.StatusOK, "change_password.html", gin.H{
			"Title":  "Change Password",
			"Errors": map[string]string{"old_password": "Invalid password."},
		})
		return
	}
	if err := user.SetPassword(form.Password); err != nil {
		a.fail(ctx, err, "set password failed")
		return
	}
	if err := a.db.Model(user).UpdateColumn("password_hash", user.PasswordHash).Error; err != nil {
		a.fail(ctx, err, "save password failed")
		return
	}
	a.flash(ctx, middleware.FlashSuccess, "Your password has been updated.")
	ctx.Redirect(http.StatusFound, "/")
}

// Captcha returns a fresh captcha id and base64 image.
func (a *AuthController) Captcha(ctx *gin.Context) {
	id, b64, err := utils.GenerateCaptcha()
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50060, "failed to generate captcha")
		return
	}
	utils.Success(ctx, gin.H{"captcha_id": id, "image": b64})
}

// OAuthRedirect sends the browser to the provider's consent page.
func (a *AuthController) OAuthRedirect(ctx *gin.Context) {
	cfg, err := oauthConfig(config.Get(), ctx.Param("provider"))
	if err != nil {
		a.abort(ctx, http.StatusNotFound)
		return
	}
	state := uuid.NewString()
	utils.SaveState(state, oauthStateTTL)
	ctx.Redirect(http.StatusFound, cfg.AuthCodeURL(state))
}

// OAuthCallback exchanges the code, finds or creates the user and logs them in.
func (a *AuthController) OAuthCallback(ctx *gin.Context) {
	provider := strings.ToLower(ctx.Param("provider"))
	cfg, err := oauthConfig(config.Get(), provider)
	if err != nil {
		a.abort(ctx, http.StatusNotFound)
		return
	}
	code, state := ctx.Query("code"), ctx.Query("state")
	if code == "" || state == "" || !utils.ConsumeState(state) {
		a.flash(ctx, middleware.FlashDanger, "Login failed: invalid or expired request.")
		ctx.Redirect(http.StatusFound, "/login")
		return
	}

	token, err := cfg.Exchange(ctx.Request.Context(), code)
	if err != nil {
		utils.Logger.Warn("oauth exchange failed", zap.String("provider", provider), zap.Error(err))
		a.flash(ctx, middleware.FlashDanger, "Login failed: could not verify your account.")
		ctx.Redirect(http.StatusFound, "/login")
		return
	}
	info, err := fetchOAuthUser(ctx.Request.Context(), cfg, provider, token)
	if err != nil {
		utils.Logger.Warn("oauth user info failed", zap.String("provider", provider), zap.Error(err))
		a.flash(ctx, middleware.FlashDanger, "Login failed: could not read your profile.")
		ctx.Redirect(http.StatusFound, "/login")
		return
	}
	user, err := a.findOrCreateOAuthUser(provider, info)
	if errors.Is(err, errOAuthEmailUnverified) {
		utils.Logger.Warn("oauth email unverified", zap.String("provider", provider), zap.String("provider_id", info.ID))
		a.flash(ctx, middleware.FlashDanger, "Login failed: verify your email with the provider or log in with your password.")
		ctx.Redirect(http.StatusFound, "/login")
		return
	}
	if err != nil {
		a.fail(ctx, err, "persist oauth user failed")
		return
	}
	if err := a.sessions.Login(ctx, user.ID, false); err != nil {
		a.fail(ctx, err, "start session failed")
		return
	}
	_ = user.Ping(a.db)
	ctx.Redirect(http.StatusFound, "/")
}

type oauthUser struct {
	ID            string
	Username      string
	Name          string
	Email         string
	EmailVerified bool
}

// errOAuthEmailUnverified rejects a provider identity whose unverified email belongs to a
// local account.
var errOAuthEmailUnverified = errors.New("oauth email not verified")

func enabledProviders(cfg config.AppConfig) []string {
	var out []string
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		out = append(out, "github")
	}
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		out = append(out, "google")
	}
	return out
}

func oauthConfig(cfg config.AppConfig, provider string) (*oauth2.Config, error) {
	redirect := strings.TrimRight(cfg.OAuthRedirectBase, "/") + "/auth/" + strings.ToLower(provider) + "/callback"
	switch strings.ToLower(provider) {
	case "github":
		if cfg.GitHubClientID == "" || cfg.GitHubClientSecret == "" {
			return nil, fmt.Errorf("github oauth not configured")
		}
		return &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  redirect,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		}, nil
	case "google":
		if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
			return nil, fmt.Errorf("google oauth not configured")
		}
		return &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  redirect,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint:     google.Endpoint,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

func fetchOAuthUser(ctx context.Context, cfg *oauth2.Config, provider string, token *oauth2.Token) (*oauthUser, error) {
	client := cfg.Client(ctx, token)
	switch provider {
	case "github":
		var payload struct {
			ID    int64  `json:"id"`
			Login string `json:"login"`
			Name  string `json:"name"`
			Email string `json:"email"`
		}
		if err := getJSON(client, "https://api.github.com/user", &payload); err != nil {
			return nil, err
		}
		// the profile email may be unverified; only the verified primary address counts
		email, verified := payload.Email, false
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := getJSON(client, "https://api.github.com/user/emails", &emails); err == nil {
			for _, e := range emails {
				if e.Primary && e.Verified {
					email, verified = e.Email, true
					break
				}
			}
		}
		return &oauthUser{
			ID:            fmt.Sprintf("%d", payload.ID),
			Username:      payload.Login,
			Name:          payload.Name,
			Email:         email,
			EmailVerified: verified,
		}, nil
	case "google":
		var payload struct {
			ID            string `json:"id"`
			Email         string `json:"email"`
			VerifiedEmail bool   `json:"verified_email"`
			Name          string `json:"name"`
		}
		if err := getJSON(client, "https://www.googleapis.com/oauth2/v2/userinfo", &payload); err != nil {
			return nil, err
		}
		local, _, _ := strings.Cut(payload.Email, "@")
		return &oauthUser{
			ID:            payload.ID,
			Username:      local,
			Name:          payload.Name,
			Email:         payload.Email,
			EmailVerified: payload.VerifiedEmail,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

func getJSON(client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// findOrCreateOAuthUser resolves a provider identity: by provider id first, then by a
// provider-verified email, else a new confirmed account. An unverified email never links,
// and one already owned by a local account is refused.
func (a *AuthController) findOrCreateOAuthUser(provider string, info *oauthUser) (*models.User, error) {
	var user models.User
	err := a.db.Preload("Role").Where("provider = ? AND provider_id = ?", provider, info.ID).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	email := strings.TrimSpace(info.Email)
	if email != "" {
		err = a.db.Preload("Role").Where("email = ?", email).First(&user).Error
		switch {
		case err == nil && !info.EmailVerified:
			return nil, errOAuthEmailUnverified
		case err == nil:
			user.Provider, user.ProviderID = provider, info.ID
			if err := a.db.Model(&user).Updates(map[string]any{"provider": provider, "provider_id": info.ID}).Error; err != nil {
				return nil, err
			}
			return &user, nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}
	}
	if email == "" || !info.EmailVerified {
		email = fmt.Sprintf("%s_%s@users.noreply.local", provider, info.ID)
	}

	user = models.User{
		Email:      email,
		Username:   a.uniqueUsername(info.Username, provider, info.ID),
		Name:       info.Name,
		Confirmed:  true,
		Provider:   provider,
		ProviderID: info.ID,
	}
	if err := user.AssignRole(a.db, config.Get().AdminEmails); err != nil {
		return nil, err
	}
	if err := a.db.Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func sanitizeUsername(input string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(input) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
		case r == '-':
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), "0123456789_.")
	if len(out) > 48 {
		out = out[:48]
	}
	return out
}

func (a *AuthController) uniqueUsername(base, provider, id string) string {
	base = sanitizeUsername(base)
	if base == "" {
		base = sanitizeUsername(provider + "_" + id)
	}
	candidate := base
	for suffix := 1; ; suffix++ {
		taken, err := models.UsernameTaken(a.db, candidate, 0)
		if err != nil || !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", base, suffix)
	}
}
