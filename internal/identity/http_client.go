package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/atsa-dev/atsa/internal/config"
)

// HTTPClient talks to a GoTrue-compatible identity service over its REST API
type HTTPClient struct {
	notifier

	baseURL       string
	apiKey        string
	httpClient    *http.Client
	tokens        TokenStore
	logger        zerolog.Logger
	signUpSignsIn bool
	refreshMargin time.Duration
	schedule      string
	cron          *cron.Cron
	now           func() time.Time
}

// New creates a new identity client
func New(cfg config.IdentityConfig, tokens TokenStore, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		apiKey:        cfg.APIKey,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		tokens:        tokens,
		logger:        log.With().Str("component", "identity").Logger(),
		signUpSignsIn: cfg.SignUpSignsIn,
		refreshMargin: cfg.RefreshMargin,
		schedule:      cfg.SessionCheckSchedule,
		now:           time.Now,
	}
}

// SetHTTPClient sets a custom HTTP client
func (c *HTTPClient) SetHTTPClient(httpClient *http.Client) {
	c.httpClient = httpClient
}

// credentialsRequest represents the sign-up and password grant request body
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// sessionResponse represents a token grant response
type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

// errorResponse covers the error shapes GoTrue versions return
type errorResponse struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// CreateAccount registers a new account
func (c *HTTPClient) CreateAccount(ctx context.Context, email, password string) error {
	// Sign-up returns a bare user, or a full session when the service auto-confirms
	var resp struct {
		sessionResponse
		ID    string `json:"id"`
		Email string `json:"email"`
	}

	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", nil, credentialsRequest{
		Email:    email,
		Password: password,
	}, "", &resp); err != nil {
		return err
	}

	c.logger.Info().Str("email", email).Msg("Account created")

	if !c.signUpSignsIn || resp.AccessToken == "" {
		return nil
	}

	session, err := c.toSession(&resp.sessionResponse)
	if err != nil {
		return err
	}
	c.adopt(SignedIn, session)
	return nil
}

// VerifyCredentials signs in with email and password
func (c *HTTPClient) VerifyCredentials(ctx context.Context, email, password string) error {
	var resp sessionResponse
	query := url.Values{"grant_type": {"password"}}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", query, credentialsRequest{
		Email:    email,
		Password: password,
	}, "", &resp); err != nil {
		return err
	}

	session, err := c.toSession(&resp)
	if err != nil {
		return err
	}

	c.logger.Info().Str("user_id", session.UserID).Str("email", session.Email).Msg("Signed in")
	c.adopt(SignedIn, session)
	return nil
}

// TerminateSession signs out of the current session
func (c *HTTPClient) TerminateSession(ctx context.Context) error {
	current := c.session()
	if current != nil {
		err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, current.AccessToken, nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) && isGone(apiErr.StatusCode) {
			// The service already considers the session over
			c.logger.Debug().Int("status", apiErr.StatusCode).Msg("Session already terminated by the service")
			err = nil
		}
		if err != nil {
			return err
		}
	}

	c.logger.Info().Msg("Signed out")
	c.emit(SignedOut, nil, c.forget)
	return nil
}

// Start restores the persisted session, publishes the initial state and starts
// the expiry watcher
func (c *HTTPClient) Start(ctx context.Context) error {
	session, err := c.restore(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to restore session")
	}
	c.emit(InitialSession, session, nil)

	return c.startWatcher()
}

// Close stops the expiry watcher
func (c *HTTPClient) Close() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

func (c *HTTPClient) restore(ctx context.Context) (*Session, error) {
	stored, err := c.tokens.LoadSession(c.storageKey())
	if err != nil {
		if errors.Is(err, ErrNoStoredSession) {
			return nil, nil
		}
		return nil, err
	}

	if !c.needsRefresh(stored) {
		return stored, nil
	}

	refreshed, err := c.refresh(ctx, stored.RefreshToken)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Rejected() {
			c.forget()
			return nil, nil
		}
		if !stored.Expired(c.now()) {
			return stored, nil
		}
		return nil, err
	}

	c.persist(refreshed)
	return refreshed, nil
}

func (c *HTTPClient) startWatcher() error {
	if c.schedule == "" {
		return nil
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.schedule, func() {
		c.checkExpiry(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid session check schedule %q: %w", c.schedule, err)
	}
	c.cron.Start()
	return nil
}

// checkExpiry refreshes a session that is about to expire. A refresh token the
// service no longer accepts ends the session.
func (c *HTTPClient) checkExpiry(ctx context.Context) {
	current := c.session()
	if current == nil || !c.needsRefresh(current) {
		return
	}

	refreshed, err := c.refresh(ctx, current.RefreshToken)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Rejected() {
			if c.emitIfCurrent(current, SignedOut, nil, c.forget) {
				c.logger.Info().Str("user_id", current.UserID).Msg("Session expired")
			}
			return
		}
		c.logger.Warn().Err(err).Msg("Failed to refresh session, retrying on next check")
		return
	}

	if c.emitIfCurrent(current, TokenRefreshed, refreshed, func() { c.persist(refreshed) }) {
		c.logger.Debug().Str("user_id", refreshed.UserID).Time("expires_at", refreshed.ExpiresAt).Msg("Session refreshed")
	}
}

func (c *HTTPClient) needsRefresh(s *Session) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !c.now().Add(c.refreshMargin).Before(s.ExpiresAt)
}

func (c *HTTPClient) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Message: "missing refresh token"}
	}

	var resp sessionResponse
	query := url.Values{"grant_type": {"refresh_token"}}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", query, refreshRequest{
		RefreshToken: refreshToken,
	}, "", &resp); err != nil {
		return nil, err
	}
	return c.toSession(&resp)
}

func (c *HTTPClient) adopt(kind EventKind, s *Session) {
	c.emit(kind, s, func() { c.persist(s) })
}

func (c *HTTPClient) persist(s *Session) {
	// The session stays valid for this process even if it cannot be kept for the next one
	if err := c.tokens.SaveSession(c.storageKey(), s); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist session")
	}
}

func (c *HTTPClient) forget() {
	if err := c.tokens.DeleteSession(c.storageKey()); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to delete persisted session")
	}
}

func (c *HTTPClient) storageKey() string {
	return fmt.Sprintf("session-%s", c.baseURL)
}

// toSession converts a grant response, falling back to the access token claims
// for whatever the response body leaves out
func (c *HTTPClient) toSession(resp *sessionResponse) (*Session, error) {
	if resp.AccessToken == "" {
		return nil, ErrNoSession
	}

	session := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if resp.User != nil {
		session.UserID = resp.User.ID
		session.Email = resp.User.Email
	}

	switch {
	case resp.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
	case resp.ExpiresIn > 0:
		session.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	if session.UserID == "" || session.Email == "" || session.ExpiresAt.IsZero() {
		claims := jwt.MapClaims{}
		// The service signed the token; the client only reads it
		if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err != nil {
			return nil, fmt.Errorf("failed to read access token: %w", err)
		}
		if session.UserID == "" {
			session.UserID, _ = claims.GetSubject()
		}
		if session.Email == "" {
			session.Email, _ = claims["email"].(string)
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && session.ExpiresAt.IsZero() {
			session.ExpiresAt = exp.Time
		}
	}

	if session.UserID == "" {
		return nil, fmt.Errorf("identity service returned a session without a user")
	}
	return session, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, accessToken string, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return parseAPIError(resp.StatusCode, respBody)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apiErr
	}

	apiErr.Code = parsed.ErrorCode
	if apiErr.Code == "" && parsed.Error != "" && parsed.ErrorDescription != "" {
		apiErr.Code = parsed.Error
	}

	for _, msg := range []string{parsed.Msg, parsed.Message, parsed.ErrorDescription, parsed.Error} {
		if msg != "" {
			apiErr.Message = msg
			break
		}
	}
	return apiErr
}

func isGone(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound
}
