package account

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/matheus3301/howudoin/internal/apierr"
	"github.com/matheus3301/howudoin/internal/apitest"
	"github.com/matheus3301/howudoin/internal/session"
	"github.com/matheus3301/howudoin/internal/transport"
)

func setup(t *testing.T) (*Service, *session.Store, *apitest.Server) {
	t.Helper()
	srv := apitest.NewServer(t)
	sessions := session.NewMemoryStore(nil, nil)
	gw, err := transport.New(srv.URL, nil, sessions, nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(gw, sessions, nil), sessions, srv
}

func TestLogin(t *testing.T) {
	svc, sessions, srv := setup(t)
	srv.AddUser("alice@example.com", "Alice", "Smith")

	profile, err := svc.Login(context.Background(), " alice@example.com ", "password123")
	if err != nil {
		t.Fatal(err)
	}
	if profile.DisplayName() != "Alice Smith" {
		t.Errorf("profile = %+v", profile)
	}
	cur := sessions.Current()
	if !cur.Authenticated() || cur.Identity != "alice@example.com" {
		t.Errorf("session = %+v", cur)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, sessions, srv := setup(t)
	srv.AddUser("alice@example.com", "Alice", "Smith")

	_, err := svc.Login(context.Background(), "alice@example.com", "nope-nope")
	if apierr.StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 RequestFailed", err)
	}
	if apierr.UserMessage(err) != "Invalid email or password" {
		t.Errorf("message = %q", apierr.UserMessage(err))
	}
	if sessions.Current().Authenticated() {
		t.Error("failed login must not sign in")
	}
}

func TestLoginValidation(t *testing.T) {
	tests := []struct {
		name, email, password, want string
	}{
		{"empty email", "", "password123", "Please enter your email address"},
		{"blank email", "   ", "password123", "Please enter your email address"},
		{"empty password", "a@x.com", "", "Please enter your password"},
		{"malformed", "not-an-email", "password123", "Please enter a valid email address"},
		{"no tld", "a@x", "password123", "Please enter a valid email address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, srv := setup(t)
			_, err := svc.Login(context.Background(), tt.email, tt.password)
			if !errors.Is(err, apierr.ErrValidationFailed) {
				t.Fatalf("err = %v, want validation failure", err)
			}
			if apierr.UserMessage(err) != tt.want {
				t.Errorf("message = %q, want %q", apierr.UserMessage(err), tt.want)
			}
			if srv.TotalCalls() != 0 {
				t.Error("validation failure reached the network")
			}
		})
	}
}

func TestRegister(t *testing.T) {
	svc, sessions, srv := setup(t)
	form := RegisterForm{
		FirstName: "Carol", LastName: "Jones", Email: "carol@example.com",
		Password: "s3cretpass", ConfirmPassword: "s3cretpass",
	}
	if err := svc.Register(context.Background(), form); err != nil {
		t.Fatal(err)
	}
	if sessions.Current().Authenticated() {
		t.Error("register must not sign in")
	}
	if _, err := svc.Login(context.Background(), "carol@example.com", "s3cretpass"); err != nil {
		t.Errorf("login after register: %v", err)
	}

	err := svc.Register(context.Background(), form)
	if apierr.StatusCode(err) != http.StatusConflict || apierr.UserMessage(err) != "Email already registered" {
		t.Errorf("duplicate register err = %v", err)
	}
	if srv.Calls(apitest.RouteRegister) != 2 {
		t.Errorf("register calls = %d", srv.Calls(apitest.RouteRegister))
	}
}

func TestRegisterFormValidate(t *testing.T) {
	valid := RegisterForm{
		FirstName: "Carol", LastName: "Jones", Email: "carol@example.com",
		Password: "s3cretpass", ConfirmPassword: "s3cretpass",
	}
	tests := []struct {
		name   string
		mutate func(*RegisterForm)
		field  string
	}{
		{"valid", func(*RegisterForm) {}, ""},
		{"first name", func(f *RegisterForm) { f.FirstName = " " }, "firstName"},
		{"last name", func(f *RegisterForm) { f.LastName = "" }, "lastName"},
		{"email", func(f *RegisterForm) { f.Email = "" }, "email"},
		{"password", func(f *RegisterForm) { f.Password = "" }, "password"},
		{"confirmation", func(f *RegisterForm) { f.ConfirmPassword = "" }, "confirmPassword"},
		{"malformed email", func(f *RegisterForm) { f.Email = "carol@" }, "email"},
		{"short password", func(f *RegisterForm) { f.Password, f.ConfirmPassword = "short", "short" }, "password"},
		{"mismatch", func(f *RegisterForm) { f.ConfirmPassword = "s3cretpasz" }, "confirmPassword"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := valid
			tt.mutate(&form)
			err := form.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			var ve *apierr.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("Validate() = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestLogoutIdempotent(t *testing.T) {
	svc, sessions, srv := setup(t)
	srv.AddUser("alice@example.com", "Alice", "Smith")
	ctx := context.Background()
	if _, err := svc.Login(ctx, "alice@example.com", "password123"); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := svc.Logout(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if sessions.Current().Authenticated() {
		t.Error("still signed in")
	}
}
