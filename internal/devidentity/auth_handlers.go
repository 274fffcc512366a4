package devidentity

import (
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const minPasswordLength = 6

// CredentialsRequest represents a sign-up or password grant request
type CredentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest represents a refresh token grant request
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// UserResponse represents user information returned in responses
type UserResponse struct {
	ID                 string     `json:"id"`
	Aud                string     `json:"aud"`
	Role               string     `json:"role"`
	Email              string     `json:"email"`
	EmailConfirmedAt   *time.Time `json:"email_confirmed_at,omitempty"`
	ConfirmationSentAt *time.Time `json:"confirmation_sent_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SessionResponse represents a token grant response
type SessionResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         UserResponse `json:"user"`
}

func newUserResponse(user *User) UserResponse {
	resp := UserResponse{
		ID:               user.ID,
		Aud:              audience,
		Role:             audience,
		Email:            user.Email,
		EmailConfirmedAt: user.ConfirmedAt,
		CreatedAt:        user.CreatedAt,
		UpdatedAt:        user.UpdatedAt,
	}
	if user.ConfirmedAt == nil {
		resp.ConfirmationSentAt = &user.CreatedAt
	}
	return resp
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// bindCredentials binds the request body, answering with the service's
// validation error on failure
func bindCredentials(c *gin.Context) (*CredentialsRequest, bool) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Field() == "Email" {
					abortWithError(c, http.StatusBadRequest, "validation_failed", "Unable to validate email address: invalid format")
					return nil, false
				}
			}
			abortWithError(c, http.StatusUnprocessableEntity, "validation_failed", "Password is required")
			return nil, false
		}
		abortWithError(c, http.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
		return nil, false
	}

	req.Email = normalizeEmail(req.Email)
	return &req, true
}

// signup creates an account. With auto-confirm on, the response carries a
// session; otherwise the account must be confirmed through /verify first.
func (s *Server) signup(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}

	if utf8.RuneCountInString(req.Password) < minPasswordLength {
		abortWithError(c, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters.")
		return
	}

	var count int64
	if err := s.db.Model(&User{}).Where("email = ?", req.Email).Count(&count).Error; err != nil {
		s.logger.Error().Err(err).Msg("Failed to count users")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}
	if count > 0 {
		abortWithError(c, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	}

	passwordHash, err := HashPassword(req.Password)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to hash password")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Failed to create user")
		return
	}

	user := &User{
		Email:        req.Email,
		PasswordHash: passwordHash,
	}
	if s.config.AutoConfirm {
		now := s.tokens.now()
		user.ConfirmedAt = &now
	} else {
		confirmation, err := randomToken()
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to generate confirmation token")
			abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Failed to create user")
			return
		}
		user.ConfirmationToken = confirmation
	}

	if err := s.db.Create(user).Error; err != nil {
		s.logger.Error().Err(err).Msg("Failed to create user")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Failed to create user")
		return
	}

	s.logger.Info().Str("user_id", user.ID).Str("email", user.Email).Msg("User signed up")

	if !s.config.AutoConfirm {
		// No mail delivery in development; the link goes to the log
		s.logger.Info().
			Str("email", user.Email).
			Str("verify_path", "/auth/v1/verify?type=signup&token="+user.ConfirmationToken).
			Msg("Confirmation required")
		c.JSON(http.StatusOK, newUserResponse(user))
		return
	}

	resp, err := s.issueSession(user)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to issue session")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Failed to create session")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// token implements the password and refresh_token grants
func (s *Server) token(c *gin.Context) {
	switch grant := c.Query("grant_type"); grant {
	case "password":
		s.passwordGrant(c)
	case "refresh_token":
		s.refreshGrant(c)
	default:
		abortWithError(c, http.StatusBadRequest, "unsupported_grant_type", "unsupported_grant_type")
	}
}

func (s *Server) passwordGrant(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}

	var user User
	if err := s.db.Where("email = ?", req.Email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			abortWithError(c, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to find user")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}

	if err := VerifyPassword(req.Password, user.PasswordHash); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
		return
	}

	if user.ConfirmedAt == nil {
		abortWithError(c, http.StatusBadRequest, "email_not_confirmed", "Email not confirmed")
		return
	}

	resp, err := s.issueSession(&user)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to issue session")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Failed to create session")
		return
	}

	s.logger.Info().Str("user_id", user.ID).Str("email", user.Email).Msg("User logged in")
	c.JSON(http.StatusOK, resp)
}

// refreshGrant rotates a refresh token: the presented token is spent and a new
// one is issued for the same session
func (s *Server) refreshGrant(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "validation_failed", "refresh_token is required")
		return
	}

	var stored RefreshToken
	if err := s.db.Preload("Session.User").Where("token = ?", req.RefreshToken).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			abortWithError(c, http.StatusBadRequest, "refresh_token_not_found", "Invalid Refresh Token: Refresh Token Not Found")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to find refresh token")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}

	if stored.Session.RevokedAt != nil {
		abortWithError(c, http.StatusBadRequest, "session_expired", "Invalid Refresh Token: Session Expired")
		return
	}
	if stored.Revoked {
		abortWithError(c, http.StatusBadRequest, "refresh_token_already_used", "Invalid Refresh Token: Already Used")
		return
	}

	var resp *SessionResponse
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// Conditional update so two concurrent refreshes cannot both spend the token
		result := tx.Model(&RefreshToken{}).Where("id = ? AND revoked = ?", stored.ID, false).Update("revoked", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errTokenSpent
		}

		var err error
		resp, err = s.sessionTokens(tx, &stored.Session.User, &stored.Session)
		return err
	})
	if errors.Is(err, errTokenSpent) {
		abortWithError(c, http.StatusBadRequest, "refresh_token_already_used", "Invalid Refresh Token: Already Used")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to refresh session")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Failed to refresh session")
		return
	}

	c.JSON(http.StatusOK, resp)
}

var errTokenSpent = errors.New("refresh token already spent")

// verify confirms an account from the link logged at sign-up
func (s *Server) verify(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		abortWithError(c, http.StatusBadRequest, "validation_failed", "Verify requires a token")
		return
	}

	var user User
	if err := s.db.Where("confirmation_token = ?", token).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			abortWithError(c, http.StatusForbidden, "otp_expired", "Email link is invalid or has expired")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to find user")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}

	now := s.tokens.now()
	if err := s.db.Model(&user).Updates(map[string]interface{}{
		"confirmed_at":       now,
		"confirmation_token": "",
	}).Error; err != nil {
		s.logger.Error().Err(err).Msg("Failed to confirm user")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}
	user.ConfirmedAt = &now

	s.logger.Info().Str("user_id", user.ID).Msg("User confirmed")
	c.JSON(http.StatusOK, newUserResponse(&user))
}

// getCurrentUser returns the user of the bearer token
func (s *Server) getCurrentUser(c *gin.Context) {
	auth, ok := GetAuth(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, "no_authorization", "Unauthorized")
		return
	}

	c.JSON(http.StatusOK, newUserResponse(&auth.User))
}

// logout revokes the bearer token's session, or every session of the user
// unless scope=local
func (s *Server) logout(c *gin.Context) {
	auth, ok := GetAuth(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, "no_authorization", "Unauthorized")
		return
	}

	now := s.tokens.now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sessions := tx.Model(&Session{}).Where("revoked_at IS NULL")
		if c.Query("scope") == "local" {
			sessions = sessions.Where("id = ?", auth.Session.ID)
		} else {
			sessions = sessions.Where("user_id = ?", auth.User.ID)
		}

		var ids []string
		if err := sessions.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&Session{}).Where("id IN ?", ids).Update("revoked_at", now).Error; err != nil {
			return err
		}
		return tx.Model(&RefreshToken{}).Where("session_id IN ?", ids).Update("revoked", true).Error
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", auth.User.ID).Msg("Failed to revoke session")
		abortWithError(c, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}

	s.logger.Info().Str("user_id", auth.User.ID).Str("session_id", auth.Session.ID).Msg("User logged out")
	c.Status(http.StatusNoContent)
}

// issueSession starts a new session for the user
func (s *Server) issueSession(user *User) (*SessionResponse, error) {
	var resp *SessionResponse
	err := s.db.Transaction(func(tx *gorm.DB) error {
		session := &Session{UserID: user.ID}
		if err := tx.Omit("User").Create(session).Error; err != nil {
			return err
		}

		var err error
		resp, err = s.sessionTokens(tx, user, session)
		return err
	})
	return resp, err
}

// sessionTokens issues an access token and a fresh refresh token for a session
func (s *Server) sessionTokens(tx *gorm.DB, user *User, session *Session) (*SessionResponse, error) {
	refresh, err := randomToken()
	if err != nil {
		return nil, err
	}
	if err := tx.Omit("Session").Create(&RefreshToken{Token: refresh, SessionID: session.ID}).Error; err != nil {
		return nil, err
	}

	access, expiresAt, err := s.tokens.Issue(user.ID, user.Email, session.ID)
	if err != nil {
		return nil, err
	}

	return &SessionResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.config.AccessTokenTTL / time.Second),
		ExpiresAt:    expiresAt.Unix(),
		RefreshToken: refresh,
		User:         newUserResponse(user),
	}, nil
}
