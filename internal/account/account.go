// Package account signs users in and out and registers new accounts.
// All form checks run before any request is sent.
package account

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/howudoin/internal/apierr"
	"github.com/matheus3301/howudoin/internal/logging"
	"github.com/matheus3301/howudoin/internal/model"
	"github.com/matheus3301/howudoin/internal/transport"
	"go.uber.org/zap"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 8

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Gateway sends requests to the service.
type Gateway interface {
	Do(ctx context.Context, c transport.Call, out any) error
}

// Sessions is the part of the session store the account service drives.
type Sessions interface {
	SignIn(ctx context.Context, credential, identity string) error
	SignOut(ctx context.Context) error
}

// RegisterForm is the sign-up input.
type RegisterForm struct {
	FirstName       string
	LastName        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Service implements login, registration and logout.
type Service struct {
	gw       Gateway
	sessions Sessions
	logger   *zap.Logger
}

// New creates an account service.
func New(gw Gateway, sessions Sessions, logger *zap.Logger) *Service {
	return &Service{gw: gw, sessions: sessions, logger: logging.OrNop(logger)}
}

// ValidEmail reports whether s looks like an address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// Login authenticates and installs the session. It returns the signed-in profile.
func (s *Service) Login(ctx context.Context, email, password string) (model.Friend, error) {
	email = strings.TrimSpace(email)
	switch {
	case email == "":
		return model.Friend{}, apierr.Invalid("email", "Please enter your email address")
	case password == "":
		return model.Friend{}, apierr.Invalid("password", "Please enter your password")
	case !ValidEmail(email):
		return model.Friend{}, apierr.Invalid("email", "Please enter a valid email address")
	}

	var resp struct {
		Token     string `json:"token"`
		Email     string `json:"email"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	err := s.gw.Do(ctx, transport.Call{
		Method:    http.MethodPost,
		Path:      "/login",
		Body:      map[string]string{"email": email, "password": password},
		Anonymous: true,
	}, &resp)
	if err != nil {
		s.logger.Info("login failed", zap.String("identity", email), zap.Error(err))
		return model.Friend{}, err
	}

	// The identity is the address the user typed, which is what the server
	// keys messages and memberships on.
	if err := s.sessions.SignIn(ctx, resp.Token, email); err != nil {
		return model.Friend{}, err
	}
	profile := model.Friend{Email: email, FirstName: resp.FirstName, LastName: resp.LastName}
	return profile, nil
}

// Register creates an account. It does not sign in.
func (s *Service) Register(ctx context.Context, form RegisterForm) error {
	form.FirstName = strings.TrimSpace(form.FirstName)
	form.LastName = strings.TrimSpace(form.LastName)
	form.Email = strings.TrimSpace(form.Email)
	if err := form.Validate(); err != nil {
		return err
	}

	err := s.gw.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   "/register",
		Body: map[string]string{
			"firstName": form.FirstName,
			"lastName":  form.LastName,
			"email":     form.Email,
			"password":  form.Password,
		},
		Anonymous: true,
	}, nil)
	if err != nil {
		return err
	}
	s.logger.Info("account registered", zap.String("identity", form.Email))
	return nil
}

// Validate checks the form in the order the fields are presented.
func (f RegisterForm) Validate() error {
	switch {
	case strings.TrimSpace(f.FirstName) == "":
		return apierr.Invalid("firstName", "Please enter your first name")
	case strings.TrimSpace(f.LastName) == "":
		return apierr.Invalid("lastName", "Please enter your last name")
	case strings.TrimSpace(f.Email) == "":
		return apierr.Invalid("email", "Please enter your email address")
	case f.Password == "":
		return apierr.Invalid("password", "Please enter a password")
	case f.ConfirmPassword == "":
		return apierr.Invalid("confirmPassword", "Please confirm your password")
	case !ValidEmail(strings.TrimSpace(f.Email)):
		return apierr.Invalid("email", "Please enter a valid email address")
	case utf8.RuneCountInString(f.Password) < MinPasswordLength:
		return apierr.Invalid("password", "Password must be at least 8 characters long")
	case f.Password != f.ConfirmPassword:
		return apierr.Invalid("confirmPassword", "Passwords don't match")
	}
	return nil
}

// Logout clears the session. Safe to call when already signed out.
func (s *Service) Logout(ctx context.Context) error {
	return s.sessions.SignOut(ctx)
}
