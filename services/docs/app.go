package docs

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"taxdocs/pkg/render"
	"taxdocs/services/records"
	"taxdocs/services/storage"
)

// Template names.
const (
	TemplateLoading   = "loading.tmpl"
	TemplateSignIn    = "signin.tmpl"
	TemplateDocuments = "documents.tmpl"
)

// SignInModel is what the sign-in template renders.
type SignInModel struct {
	Mode        Mode
	Email       string
	PasswordSet bool
	Error       string
	Submitting  bool
}

// AppOptions configure an App.
type AppOptions struct {
	Root     string
	Rollback bool
}

// App is the document manager: the gate decides between the sign-in form and the
// document list, and every state change is announced to OnChange observers.
type App struct {
	ctx    context.Context
	gate   *AuthGate
	form   *SignInForm
	view   *ListView
	engine *render.Engine
	log    zerolog.Logger

	changes *State[uint64]
	stops   []func()
	once    sync.Once
}

// NewApp wires the components together. ctx bounds the live list subscriptions.
func NewApp(ctx context.Context, id Identity, recs records.Store, objects storage.Store, engine *render.Engine, opts AppOptions, logger zerolog.Logger) (*App, error) {
	if id == nil || recs == nil || objects == nil {
		return nil, errors.New("docs: identity, records and storage are required")
	}
	if engine == nil {
		return nil, errors.New("docs: render engine is required")
	}

	a := &App{
		ctx:     ctx,
		form:    NewSignInForm(id, logger),
		engine:  engine,
		log:     logger.With().Str("component", "app").Logger(),
		changes: NewState[uint64](0),
	}
	a.view = NewListView(
		NewListSync(recs, logger),
		NewUploader(id, recs, objects, UploaderOptions{Root: opts.Root, Rollback: opts.Rollback}, logger),
		NewDeleter(id, recs, objects, opts.Root, logger),
		id,
		logger,
	)

	a.gate = NewAuthGate(id)
	a.stops = append(a.stops,
		a.gate.State().Observe(a.onGate),
		a.form.State().Observe(func(SignInFormState) { a.changed() }),
		a.view.list.State().Observe(func([]records.Document) { a.changed() }),
		a.view.uploader.State().Observe(func(UploadState) { a.changed() }),
	)
	// the gate may have seen its first session before onGate was registered
	a.onGate(a.gate.State().Get())

	return a, nil
}

func (a *App) onGate(g GateState) {
	if g.Status() == StatusAuthenticated {
		if err := a.view.Mount(a.ctx, g.Session.UserID); err != nil {
			a.log.Error().Err(err).Str("user_id", g.Session.UserID).Msg("mount document list")
		}
	} else {
		a.view.Unmount()
	}
	a.changed()
}

func (a *App) changed() {
	a.changes.Update(func(n uint64) uint64 { return n + 1 })
}

// OnChange registers fn to run after any visible state changes.
func (a *App) OnChange(fn func()) func() {
	return a.changes.Observe(func(uint64) { fn() })
}

// Status reports the gate status.
func (a *App) Status() GateStatus { return a.gate.State().Get().Status() }

// Form returns the sign-in form.
func (a *App) Form() *SignInForm { return a.form }

// View returns the document list view.
func (a *App) View() *ListView { return a.view }

// Screen returns the template and data for the current state.
func (a *App) Screen() (string, any) {
	g := a.gate.State().Get()
	switch g.Status() {
	case StatusAuthenticated:
		return TemplateDocuments, a.view.Model(g.Session.Email)
	case StatusUnauthenticated:
		f := a.form.State().Get()
		return TemplateSignIn, SignInModel{
			Mode:        f.Mode,
			Email:       f.Email,
			PasswordSet: f.Password != "",
			Error:       f.Error,
			Submitting:  f.Submitting,
		}
	default:
		return TemplateLoading, nil
	}
}

// Render draws the current screen.
func (a *App) Render() (string, error) {
	name, data := a.Screen()
	return a.engine.Render(name, data)
}

// Close detaches from the session stream and stops the live list.
func (a *App) Close() {
	a.once.Do(func() {
		for _, stop := range a.stops {
			stop()
		}
		a.gate.Close()
		a.view.Unmount()
	})
}
