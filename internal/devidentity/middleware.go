package devidentity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const (
	bearerPrefix = "Bearer "
	sessionKey   = "session"
)

var (
	ErrMissingAuthHeader = errors.New("missing authorization header")
	ErrInvalidAuthFormat = errors.New("invalid authorization header format")
	ErrEmptyToken        = errors.New("empty token")
	ErrInvalidToken      = errors.New("invalid token")
	ErrSessionNotFound   = errors.New("session not found")
)

// AuthContext is the authenticated session of a request
type AuthContext struct {
	User    User
	Session Session
}

func setAuth(c *gin.Context, auth *AuthContext) {
	c.Set(sessionKey, auth)
}

// GetAuth returns the authenticated session set by BearerAuthMiddleware
func GetAuth(c *gin.Context) (*AuthContext, bool) {
	value, exists := c.Get(sessionKey)
	if !exists {
		return nil, false
	}

	auth, ok := value.(*AuthContext)
	return auth, ok
}

func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidAuthFormat
	}

	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return "", ErrEmptyToken
	}

	return token, nil
}

// BearerAuthMiddleware validates access tokens and rejects revoked sessions
func BearerAuthMiddleware(db *gorm.DB, tokens *tokenIssuer, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			var message string
			switch err {
			case ErrMissingAuthHeader:
				message = "This endpoint requires a Bearer token"
			case ErrInvalidAuthFormat:
				message = "Invalid authorization header format"
			case ErrEmptyToken:
				message = "Empty token"
			}
			log.Warn().Err(err).Msg(message)
			abortWithError(c, http.StatusUnauthorized, "no_authorization", message)
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to validate access token")
			abortWithError(c, http.StatusUnauthorized, "bad_jwt", "invalid JWT: unable to parse or verify signature")
			return
		}

		var session Session
		if err := db.Preload("User").Where("id = ? AND revoked_at IS NULL", claims.SessionID).First(&session).Error; err != nil {
			log.Warn().Err(err).Str("session_id", claims.SessionID).Msg("Session not found")
			abortWithError(c, http.StatusForbidden, "session_not_found", "Session from session_id claim in JWT does not exist")
			return
		}

		setAuth(c, &AuthContext{User: session.User, Session: session})

		c.Next()
	}
}

// abortWithError writes the GoTrue error body and stops the handler chain
func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":       status,
		"error_code": code,
		"msg":        message,
	})
}
