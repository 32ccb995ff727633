package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/2beens/inkpost/internal/auth"
	"github.com/2beens/inkpost/internal/telemetry/metrics"
	"github.com/2beens/inkpost/internal/telemetry/tracing"
	"github.com/2beens/inkpost/internal/users"
	"github.com/2beens/inkpost/internal/web"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgSignupMissingFields = "All fields are required, you might be missing something..."
	msgEmailTaken          = "A user with this email already exists..."
	msgLoginMissingFields  = "Email and password are required, you might be missing something..."
	msgInvalidCredentials  = "Invalid email or password"
)

type userRepo interface {
	AddUser(ctx context.Context, user *users.User) error
	GetUserByEmail(ctx context.Context, email string) (*users.User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
}

type tokenRevoker interface {
	Revoke(ctx context.Context, claims *auth.Claims) error
}

type SignupView struct {
	web.View
	FirstName string
	LastName  string
	Email     string
}

type LoginView struct {
	web.View
	Email string
}

type credentialsRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type Handler struct {
	usersRepo      userRepo
	tokens         *auth.Tokens
	revoker        tokenRevoker
	renderer       *web.Renderer
	metricsManager *metrics.Manager
	secureCookies  bool
}

func NewHandler(
	usersRepo userRepo,
	tokens *auth.Tokens,
	revoker tokenRevoker,
	renderer *web.Renderer,
	metricsManager *metrics.Manager,
	secureCookies bool,
) *Handler {
	return &Handler{
		usersRepo:      usersRepo,
		tokens:         tokens,
		revoker:        revoker,
		renderer:       renderer,
		metricsManager: metricsManager,
		secureCookies:  secureCookies,
	}
}

// SetupRoutes expects the /auth subrouter; rate limiting is attached to it by
// the caller.
func (handler *Handler) SetupRoutes(authRouter *mux.Router) {
	authRouter.HandleFunc("/signup", handler.handleSignupForm).Methods("GET").Name("signup-form")
	authRouter.HandleFunc("/signup", handler.handleSignup).Methods("POST").Name("signup")
	authRouter.HandleFunc("/login", handler.handleLoginForm).Methods("GET").Name("login-form")
	authRouter.HandleFunc("/login", handler.handleLogin).Methods("POST").Name("login")
	authRouter.HandleFunc("/logout", handler.handleLogout).Methods("GET").Name("logout")
}

func (handler *Handler) handleSignupForm(w http.ResponseWriter, r *http.Request) {
	user, _ := users.FromContext(r.Context())
	handler.renderer.Render(w, http.StatusOK, web.ViewSignup, SignupView{
		View: web.View{User: user},
	})
}

func (handler *Handler) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	user, _ := users.FromContext(r.Context())
	handler.renderer.Render(w, http.StatusOK, web.ViewLogin, LoginView{
		View: web.View{User: user},
	})
}

func (handler *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "accountHandler.signup")
	defer span.End()

	req, err := decodeCredentials(r)
	if err != nil {
		log.Errorf("signup, decode request: %s", err)
		handler.renderer.Render(w, http.StatusBadRequest, web.ViewSignup, SignupView{
			View: web.View{Error: msgSignupMissingFields},
		})
		return
	}

	view := SignupView{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
	}
	badRequest := func(message string) {
		view.Error = message
		handler.renderer.Render(w, http.StatusBadRequest, web.ViewSignup, view)
	}

	if strings.TrimSpace(req.FirstName) == "" ||
		strings.TrimSpace(req.LastName) == "" ||
		strings.TrimSpace(req.Email) == "" ||
		req.Password == "" {
		badRequest(msgSignupMissingFields)
		return
	}

	exists, err := handler.usersRepo.EmailExists(ctx, req.Email)
	if err != nil {
		handler.serverError(w, r, span, "Server error, user validation failed", err)
		return
	}
	if exists {
		log.Tracef("signup with existing email: %s", users.NormalizeEmail(req.Email))
		badRequest(msgEmailTaken)
		return
	}

	newUser := &users.User{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
	}
	if err := newUser.SetPassword(req.Password); err != nil {
		switch {
		case errors.Is(err, users.ErrPasswordTooShort):
			badRequest(fmt.Sprintf("Password must be at least %d characters long", users.MinPasswordLength))
		case errors.Is(err, users.ErrPasswordTooLong):
			badRequest(fmt.Sprintf("Password must be at most %d bytes long", users.MaxPasswordBytes))
		default:
			handler.serverError(w, r, span, "Server error, user validation failed", err)
		}
		return
	}

	if err := handler.usersRepo.AddUser(ctx, newUser); err != nil {
		switch {
		case errors.Is(err, users.ErrEmailTaken):
			// lost the race against a concurrent signup
			badRequest(msgEmailTaken)
		case errors.Is(err, users.ErrMissingFields):
			badRequest(msgSignupMissingFields)
		default:
			handler.serverError(w, r, span, "Server error, user validation failed", err)
		}
		return
	}
	span.SetAttributes(attribute.Int("user.id", newUser.ID))

	token, err := handler.tokens.Issue(newUser.ID)
	if err != nil {
		handler.serverError(w, r, span, "Server error, user validation failed", err)
		return
	}

	http.SetCookie(w, auth.NewCookie(token, handler.tokens.TTL(), handler.secureCookies))
	w.Header().Set("Authorization", "Bearer "+token)

	if handler.metricsManager != nil {
		handler.metricsManager.CounterSignups.Inc()
	}
	log.Debugf("new user signed up: %d", newUser.ID)
	span.SetStatus(codes.Ok, "signed-up")

	http.Redirect(w, r, "/", http.StatusFound)
}

func (handler *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "accountHandler.login")
	defer span.End()

	req, err := decodeCredentials(r)
	if err != nil {
		log.Errorf("login, decode request: %s", err)
		handler.countLogin(metrics.LoginResultFailed)
		handler.renderer.Render(w, http.StatusBadRequest, web.ViewLogin, LoginView{
			View: web.View{Error: msgLoginMissingFields},
		})
		return
	}

	view := LoginView{Email: req.Email}
	badRequest := func(message string) {
		handler.countLogin(metrics.LoginResultFailed)
		view.Error = message
		handler.renderer.Render(w, http.StatusBadRequest, web.ViewLogin, view)
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		badRequest(msgLoginMissingFields)
		return
	}

	user, err := handler.usersRepo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			log.Tracef("[email] failed login attempt for: %s", users.NormalizeEmail(req.Email))
			badRequest(msgInvalidCredentials)
			return
		}
		handler.countLogin(metrics.LoginResultError)
		handler.serverError(w, r, span, "server error, unable to log in", err)
		return
	}

	if !user.CheckPassword(req.Password) {
		log.Tracef("[password] failed login attempt for user: %d", user.ID)
		badRequest(msgInvalidCredentials)
		return
	}

	token, err := handler.tokens.Issue(user.ID)
	if err != nil {
		handler.countLogin(metrics.LoginResultError)
		handler.serverError(w, r, span, "server error, unable to log in", err)
		return
	}

	http.SetCookie(w, auth.NewCookie(token, 0, handler.secureCookies))

	handler.countLogin(metrics.LoginResultSuccess)
	log.Trace("new login success")
	span.SetAttributes(attribute.Int("user.id", user.ID))
	span.SetStatus(codes.Ok, "logged-in")

	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout never fails for the client: the cookie is cleared even when
// the token cannot be verified or revoked.
func (handler *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "accountHandler.logout")
	defer span.End()

	if token := auth.TokenFromRequest(r); token != "" {
		claims, err := handler.tokens.Verify(token)
		if err != nil {
			log.Tracef("logout with unusable token: %s", err)
		} else if err := handler.revoker.Revoke(ctx, claims); err != nil {
			log.Errorf("revoke token of user %d: %s", claims.UserID, err)
			span.RecordError(err)
		} else {
			log.Debugf("logout for user %d success", claims.UserID)
		}
	}

	http.SetCookie(w, auth.ClearCookie(handler.secureCookies))
	http.Redirect(w, r, "/auth/login", http.StatusFound)
}

func (handler *Handler) serverError(w http.ResponseWriter, r *http.Request, span trace.Span, message string, err error) {
	log.Errorf("%s: %s", message, err)
	span.RecordError(err)
	handler.renderer.Error(w, r, http.StatusInternalServerError, message, err.Error())
}

func (handler *Handler) countLogin(result string) {
	if handler.metricsManager != nil {
		handler.metricsManager.CounterLogins.WithLabelValues(result).Inc()
	}
}

func decodeCredentials(r *http.Request) (credentialsRequest, error) {
	var req credentialsRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("unmarshal json params: %w", err)
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("parse form: %w", err)
	}
	return credentialsRequest{
		FirstName: r.PostForm.Get("first_name"),
		LastName:  r.PostForm.Get("last_name"),
		Email:     r.PostForm.Get("email"),
		Password:  r.PostForm.Get("password"),
	}, nil
}
