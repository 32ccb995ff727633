package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/2beens/inkpost/internal/auth"
	"github.com/2beens/inkpost/internal/telemetry/tracing"
	"github.com/2beens/inkpost/internal/users"
	"github.com/2beens/inkpost/internal/web"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:generate mockgen -source=$GOFILE -destination=auth_mocks_test.go -package=middleware_test

type tokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type revocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type userGetter interface {
	GetUser(ctx context.Context, id int) (*users.User, error)
}

type authFailure struct {
	status  int
	message string
	detail  string
	reason  string
}

type AuthMiddlewareHandler struct {
	tokens      tokenVerifier
	revocations revocationChecker
	usersRepo   userGetter
	renderer    *web.Renderer
}

func NewAuthMiddlewareHandler(
	tokens tokenVerifier,
	revocations revocationChecker,
	usersRepo userGetter,
	renderer *web.Renderer,
) *AuthMiddlewareHandler {
	return &AuthMiddlewareHandler{
		tokens:      tokens,
		revocations: revocations,
		usersRepo:   usersRepo,
		renderer:    renderer,
	}
}

// RequireUser rejects the request unless it carries a valid session token.
// The user is put into the request context.
func (h *AuthMiddlewareHandler) RequireUser() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.GlobalTracer.Start(r.Context(), "middleware.auth.requireUser")
			defer span.End()

			user, failure := h.authenticate(ctx, r)
			if failure != nil {
				log.Tracef("[%s] [auth middleware] unauthorized => %s", failure.reason, r.URL.Path)
				span.SetStatus(codes.Error, failure.reason)
				h.renderer.Error(w, r, failure.status, failure.message, failure.detail)
				return
			}

			span.SetAttributes(attribute.Int("user.id", user.ID))
			span.SetStatus(codes.Ok, "ok")
			next.ServeHTTP(w, r.WithContext(users.NewContext(r.Context(), user)))
		})
	}
}

// IdentifyUser attaches the user when the request carries a valid session,
// and lets every request through.
func (h *AuthMiddlewareHandler) IdentifyUser() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.TokenFromRequest(r) == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx, span := tracing.GlobalTracer.Start(r.Context(), "middleware.auth.identifyUser")
			user, failure := h.authenticate(ctx, r)
			span.End()

			if failure != nil {
				if failure.status >= http.StatusInternalServerError {
					log.Errorf("identify user => %s: %s", r.URL.Path, failure.detail)
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(users.NewContext(r.Context(), user)))
		})
	}
}

func (h *AuthMiddlewareHandler) authenticate(ctx context.Context, r *http.Request) (*users.User, *authFailure) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		return nil, &authFailure{
			status:  http.StatusUnauthorized,
			message: "Access denied, please log in first",
			detail:  "No authentication token provided",
			reason:  "missing-auth-token",
		}
	}

	claims, err := h.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return nil, &authFailure{
				status:  http.StatusUnauthorized,
				message: "Session expired",
				detail:  "Please log in again",
				reason:  "expired-token",
			}
		}
		if errors.Is(err, auth.ErrInvalidToken) {
			return nil, &authFailure{
				status:  http.StatusUnauthorized,
				message: "Invalid session",
				detail:  "Please log in again",
				reason:  "invalid-token",
			}
		}
		return nil, serverFailure(err)
	}

	revoked, err := h.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, serverFailure(err)
	}
	if revoked {
		return nil, &authFailure{
			status:  http.StatusUnauthorized,
			message: "Invalid session",
			detail:  "Please log in again",
			reason:  "revoked-token",
		}
	}

	user, err := h.usersRepo.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			return nil, &authFailure{
				status:  http.StatusUnauthorized,
				message: "Access denied",
				detail:  "User no longer exists",
				reason:  "user-not-found",
			}
		}
		return nil, serverFailure(err)
	}

	return user.WithoutPassword(), nil
}

func serverFailure(err error) *authFailure {
	return &authFailure{
		status:  http.StatusInternalServerError,
		message: "Server error during authentication",
		detail:  err.Error(),
		reason:  "auth-check-err",
	}
}
