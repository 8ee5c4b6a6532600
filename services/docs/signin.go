package docs

import (
	"context"

	"github.com/rs/zerolog"
)

// Mode selects what SignInForm.Submit does.
type Mode string

const (
	ModeSignIn Mode = "sign-in"
	ModeSignUp Mode = "sign-up"
)

// SignInFormState is the form's editable state.
type SignInFormState struct {
	Email      string
	Password   string
	Mode       Mode
	Error      string
	Submitting bool
}

// SignInForm collects credentials and hands them to the Authenticator.
type SignInForm struct {
	auth  Authenticator
	state *State[SignInFormState]
	log   zerolog.Logger
}

// NewSignInForm returns a form in sign-in mode.
func NewSignInForm(auth Authenticator, logger zerolog.Logger) *SignInForm {
	return &SignInForm{
		auth:  auth,
		state: NewState(SignInFormState{Mode: ModeSignIn}),
		log:   logger.With().Str("component", "signin").Logger(),
	}
}

// State exposes the form state for observation.
func (f *SignInForm) State() *State[SignInFormState] { return f.state }

func (f *SignInForm) SetEmail(email string) {
	f.state.Update(func(s SignInFormState) SignInFormState {
		s.Email = email
		return s
	})
}

func (f *SignInForm) SetPassword(password string) {
	f.state.Update(func(s SignInFormState) SignInFormState {
		s.Password = password
		return s
	})
}

// ToggleMode switches between sign-in and sign-up. Entered fields are kept.
func (f *SignInForm) ToggleMode() {
	f.state.Update(func(s SignInFormState) SignInFormState {
		if s.Mode == ModeSignUp {
			s.Mode = ModeSignIn
		} else {
			s.Mode = ModeSignUp
		}
		return s
	})
}

// Submit signs in or creates an account depending on the mode. A failure is shown
// through the form's Error field and also returned. Success leaves the form as is;
// the session stream moves the app on.
func (f *SignInForm) Submit(ctx context.Context) error {
	var current SignInFormState
	f.state.Update(func(s SignInFormState) SignInFormState {
		current = s
		s.Submitting = true
		return s
	})

	var err error
	if current.Mode == ModeSignUp {
		err = f.auth.CreateAccount(ctx, current.Email, current.Password)
	} else {
		err = f.auth.SignIn(ctx, current.Email, current.Password)
	}

	if err != nil {
		signInFailures.WithLabelValues(string(current.Mode)).Inc()
		f.log.Info().Err(err).Str("mode", string(current.Mode)).Msg("authentication failed")
	}

	f.state.Update(func(s SignInFormState) SignInFormState {
		s.Submitting = false
		if err != nil {
			s.Error = Message(err)
		}
		return s
	})
	return err
}
