// Package credential drives the email/password form through sign-in and
// sign-up submissions.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/atsa-dev/atsa/internal/identity"
)

const (
	MinPasswordLength = 6

	msgEmailRequired    = "Email is required"
	msgPasswordRequired = "Password is required"
	msgPasswordTooShort = "Password must be at least 6 characters"
	msgAccountCreated   = "Account created successfully! You can now sign in."
	msgFallback         = "An error occurred"
)

// Mode selects which identity operation a submission performs.
type Mode int

const (
	ModeSignIn Mode = iota
	ModeSignUp
)

func (m Mode) String() string {
	switch m {
	case ModeSignIn:
		return "sign_in"
	case ModeSignUp:
		return "sign_up"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Status is the submission state of a form.
type Status int

const (
	StatusIdle Status = iota
	StatusSubmitting
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSubmitting:
		return "submitting"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Form is a copy of the form state. Message holds at most one error or
// success message. InFlight is set while a submission is outstanding.
type Form struct {
	Mode     Mode
	Email    string
	Password string
	Status   Status
	Message  string
	InFlight bool
}

// SubmitLabel is the text of the form's submit button.
func SubmitLabel(f Form) string {
	switch {
	case f.InFlight:
		return "Please wait..."
	case f.Mode == ModeSignUp:
		return "Create Account"
	default:
		return "Sign In"
	}
}

// Outcome is the terminal result of one submission.
type Outcome struct {
	Status  Status
	Message string
	// Navigate asks the caller to leave the credential screen. The session
	// itself is observed through the session store.
	Navigate bool
	Err      error
}

type signInInput struct {
	Email    string `validate:"required"`
	Password string `validate:"required"`
}

type signUpInput struct {
	Email    string `validate:"required"`
	Password string `validate:"required,min=6"`
}

// Flow owns one credential form.
type Flow struct {
	client   identity.Client
	logger   zerolog.Logger
	validate *validator.Validate

	mu   sync.Mutex
	form Form
	// bumped on every mode switch so a late result does not overwrite the new mode's feedback
	generation uint64
}

// New creates a flow for a fresh sign-in form.
func New(client identity.Client, log zerolog.Logger) *Flow {
	return &Flow{
		client:   client,
		logger:   log.With().Str("component", "credential").Logger(),
		validate: validator.New(),
	}
}

// Form returns the current form state.
func (f *Flow) Form() Form {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.form
}

// SetEmail records an edit of the email field.
func (f *Flow) SetEmail(email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.form.Email = email
	f.edited()
}

// SetPassword records an edit of the password field.
func (f *Flow) SetPassword(password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.form.Password = password
	f.edited()
}

// SetMode switches between sign-in and sign-up. Any status goes back to idle
// and the previous message is cleared.
func (f *Flow) SetMode(mode Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.form.Mode != mode {
		f.generation++
	}
	f.form.Mode = mode
	f.form.Status = StatusIdle
	f.form.Message = ""
}

// edits while a submission is outstanding do not end it
func (f *Flow) edited() {
	if f.form.Status == StatusSucceeded || f.form.Status == StatusFailed {
		f.form.Status = StatusIdle
		f.form.Message = ""
	}
}

// SubmitForm submits the form with its current field values. Only an idle form
// is submitted; after a terminal status the user has to edit a field or switch
// mode first, otherwise ErrFormNotIdle is returned and nothing changes.
func (f *Flow) SubmitForm(ctx context.Context) Outcome {
	f.mu.Lock()
	if err := f.guardLocked(); err != nil {
		status := f.form.Status
		f.mu.Unlock()
		return Outcome{Status: status, Err: err}
	}
	if f.form.Status != StatusIdle {
		status := f.form.Status
		f.mu.Unlock()
		f.logger.Debug().Str("status", status.String()).Msg("Ignoring submit of a form that is not idle")
		return Outcome{Status: status, Err: ErrFormNotIdle}
	}
	return f.submitLocked(ctx, f.form.Mode, f.form.Email, f.form.Password)
}

// Submit validates the input and calls the identity service for the given
// mode. It blocks until the service answers. The arguments replace the form
// fields, which counts as an edit. A call made while another submission is
// outstanding returns ErrSubmissionInFlight and changes nothing.
func (f *Flow) Submit(ctx context.Context, mode Mode, email, password string) Outcome {
	f.mu.Lock()
	if err := f.guardLocked(); err != nil {
		status := f.form.Status
		f.mu.Unlock()
		return Outcome{Status: status, Err: err}
	}
	return f.submitLocked(ctx, mode, email, password)
}

func (f *Flow) guardLocked() error {
	if f.form.InFlight {
		f.logger.Debug().Msg("Ignoring submit while a submission is in flight")
		return ErrSubmissionInFlight
	}
	return nil
}

// submitLocked is entered with f.mu held and releases it.
func (f *Flow) submitLocked(ctx context.Context, mode Mode, email, password string) Outcome {
	if err := f.check(mode, email, password); err != nil {
		f.form.Mode = mode
		f.form.Email = email
		f.form.Password = ""
		f.form.Status = StatusFailed
		f.form.Message = err.Message
		f.mu.Unlock()

		f.logger.Debug().Str("mode", mode.String()).Str("field", err.Field).Msg("Credential validation failed")
		return Outcome{Status: StatusFailed, Message: err.Message, Err: err}
	}

	f.form.Mode = mode
	f.form.Email = email
	f.form.Password = password
	f.form.Status = StatusSubmitting
	f.form.Message = ""
	f.form.InFlight = true
	generation := f.generation
	f.mu.Unlock()

	var outcome Outcome
	switch mode {
	case ModeSignUp:
		outcome = f.signUp(ctx, email, password)
	default:
		outcome = f.signIn(ctx, email, password)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.form.InFlight = false
	if generation != f.generation {
		// the user moved to the other mode while waiting
		return outcome
	}

	f.form.Status = outcome.Status
	f.form.Message = outcome.Message
	if outcome.Status == StatusFailed {
		f.form.Password = ""
	}
	if mode == ModeSignUp && outcome.Status == StatusSucceeded {
		f.form.Mode = ModeSignIn
		f.form.Password = ""
	}
	return outcome
}

func (f *Flow) signUp(ctx context.Context, email, password string) Outcome {
	log := f.logger.With().Str("mode", ModeSignUp.String()).Str("email", email).Logger()

	if err := f.client.CreateAccount(ctx, email, password); err != nil {
		serr := newServiceError("failed to create account", err)
		log.Info().Err(err).Msg("Sign up failed")
		return Outcome{Status: StatusFailed, Message: serr.Message, Err: serr}
	}

	log.Info().Msg("Account created")
	return Outcome{Status: StatusSucceeded, Message: msgAccountCreated}
}

func (f *Flow) signIn(ctx context.Context, email, password string) Outcome {
	log := f.logger.With().Str("mode", ModeSignIn.String()).Str("email", email).Logger()

	if err := f.client.VerifyCredentials(ctx, email, password); err != nil {
		serr := newServiceError("failed to sign in", err)
		log.Info().Err(err).Msg("Sign in failed")
		return Outcome{Status: StatusFailed, Message: serr.Message, Err: serr}
	}

	log.Info().Msg("Signed in")
	return Outcome{Status: StatusSucceeded, Navigate: true}
}

func (f *Flow) check(mode Mode, email, password string) *ValidationError {
	var input any = signInInput{Email: email, Password: password}
	if mode == ModeSignUp {
		input = signUpInput{Email: email, Password: password}
	}

	err := f.validate.Struct(input)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: msgFallback}
	}

	fe := verrs[0]
	switch {
	case fe.Field() == "Email":
		return &ValidationError{Field: "email", Message: msgEmailRequired}
	case fe.Tag() == "min":
		return &ValidationError{Field: "password", Message: msgPasswordTooShort}
	default:
		return &ValidationError{Field: "password", Message: msgPasswordRequired}
	}
}

func newServiceError(op string, err error) *ServiceError {
	return &ServiceError{Op: op, Message: DisplayMessage(err), Err: err}
}

// DisplayMessage converts an identity service failure to the text shown to the
// user. Errors without a message map to a generic fallback.
func DisplayMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *identity.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message == "" {
			return msgFallback
		}
		return apiErr.Message
	}

	if msg := err.Error(); msg != "" {
		return msg
	}
	return msgFallback
}
