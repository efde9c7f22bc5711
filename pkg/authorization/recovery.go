package authorization

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/auth"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
)

// Mailer delivers messages to users
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer writes messages to the log instead of sending them
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, to, subject, body string) error {
	observability.FromContext(ctx).
		WithField("to", to).
		WithField("subject", subject).
		Info(body)
	return nil
}

// RecoverySettings configure the recovery message
type RecoverySettings struct {
	Sender  string `json:"sender" validate:"omitempty,email"`
	Subject string `json:"subject" validate:"required,max=200"`
}

// recoveryApp lets a user who forgot the password sign in once with a
// signed activation code sent by e-mail
type recoveryApp struct {
	modules.TypedSettings[RecoverySettings]
	users   *access.Service
	issuer  *auth.ActivationIssuer
	mailer  Mailer
	baseURL string
	now     func() time.Time
}

func newRecoveryApp(d Deps) *recoveryApp {
	return &recoveryApp{
		users:   d.Access,
		issuer:  auth.NewActivationIssuer(d.Security.SigningKey, d.Security.ActivationTTL),
		mailer:  d.Mailer,
		baseURL: d.BaseURL,
		now:     time.Now,
	}
}

func (a *recoveryApp) Info() modules.Info {
	return modules.Info{
		Class:            PasswordRecoveryClass,
		Alias:            "password_recovery",
		Name:             "Password recovery",
		Parent:           &modules.Authorizations,
		EnabledByDefault: true,
		Requires:         modules.Requirements{Email: true},
		Settings:         RecoverySettings{Subject: "Password recovery"},
	}
}

// CookieLess keeps activations out of the cookie: the one-time password
// has to be replaced before the user comes back
func (a *recoveryApp) CookieLess() bool { return true }

// ExclusiveTokens revokes the previous activation when the user activates
// again
func (a *recoveryApp) ExclusiveTokens() bool { return true }

// Recover sends an activation code to the owner of email. Unknown and
// locked addresses are ignored silently.
func (a *recoveryApp) Recover(ctx context.Context, m *modules.Module, email string) error {
	if email == "" {
		return errdefs.FieldInvalid("email", "is required")
	}
	users, err := a.users.Users().Where("email", email)
	if err != nil {
		return err
	}
	u, err := users.Index(ctx, 0)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.IsLocked() {
		return nil
	}

	settings, err := modules.DecodeSettings[RecoverySettings](m)
	if err != nil {
		return err
	}
	activation, err := a.issuer.Issue(u.ID())
	if err != nil {
		return err
	}
	if err := u.SetActivation(activation); err != nil {
		return err
	}
	if err := a.users.SaveUser(ctx, u); err != nil {
		return err
	}
	link := a.baseURL + "/?activation_code=" + url.QueryEscape(activation.Token)
	body := fmt.Sprintf("Dear %s,\n\nfollow %s to sign in. The link works once and expires at %s.\n",
		u.FullName(), link, activation.ExpiresAt.Format(time.RFC1123))
	return a.mailer.Send(ctx, u.Email(), settings.Subject, body)
}

// Activate consumes an activation code and replaces the password of its
// owner with a one-time password. Every failure is reported as not found.
func (a *recoveryApp) Activate(ctx context.Context, token string) (*access.User, string, error) {
	notFound := errdefs.NotFound("activation code not found or expired")
	userID, code, err := a.issuer.Verify(token)
	if err != nil {
		return nil, "", notFound
	}
	var password string
	var u *access.User
	err = a.users.Atomic(ctx, func(ctx context.Context) error {
		var err error
		u, err = a.users.Users().Get(ctx, userID)
		if errdefs.IsNotFound(err) {
			return notFound
		}
		if err != nil {
			return err
		}
		if u.IsLocked() || !u.ActivationValid(a.now()) || !a.issuer.Matches(code, u.String("activation_code_hash")) {
			return notFound
		}
		if password, err = u.GeneratePassword(); err != nil {
			return err
		}
		if err := u.ClearActivation(); err != nil {
			return err
		}
		return u.Update(ctx)
	})
	if err != nil {
		return nil, "", err
	}
	return u, password, nil
}
