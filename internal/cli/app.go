// Package cli is the interactive ProteinLens terminal client. Every line the
// user types counts as activity for the session's inactivity timeout.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/proteinlens/pkg/sessionclient"
	"go.uber.org/zap"
)

var (
	errMissingBackend = errors.New("cli.missing_backend")
	errInvalidAPIURL  = errors.New("cli.invalid_api_url")
	errEmptyInput     = errors.New("cli.empty_input")
)

// Backend is the auth server as seen by the terminal client.
type Backend interface {
	sessionclient.AuthClient
	Register(ctx context.Context, email string, password string) (sessionclient.User, error)
}

// Config wires an App.
type Config struct {
	Backend    Backend
	APIBaseURL string
	// Transport carries API calls made through the session; defaults to http.DefaultTransport.
	Transport       http.RoundTripper
	Clock           sessionclient.Clock
	InactivityLimit time.Duration
	AbsoluteLimit   time.Duration
	CheckInterval   time.Duration
	In              io.Reader
	Out             io.Writer
	Logger          *zap.Logger
}

// App owns the session manager and the terminal it talks to.
type App struct {
	backend  Backend
	manager  *sessionclient.Manager
	activity *sessionclient.SignalHub
	meURL    string
	now      func() time.Time
	input    io.Reader
	reader   *bufio.Reader
	out      *syncWriter
	logger   *zap.Logger
}

type syncWriter struct {
	mutex  sync.Mutex
	writer io.Writer
}

func (w *syncWriter) Write(payload []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.writer.Write(payload)
}

// NewApp builds the session manager with a keystroke activity source and a
// logout hook that reports the reason on Out.
func NewApp(configuration Config) (*App, error) {
	if configuration.Backend == nil {
		return nil, fmt.Errorf("cli.new: %w", errMissingBackend)
	}
	apiBase, parseErr := url.Parse(strings.TrimSpace(configuration.APIBaseURL))
	if parseErr != nil || apiBase.Scheme == "" || apiBase.Host == "" {
		return nil, fmt.Errorf("cli.new: %w: %q", errInvalidAPIURL, configuration.APIBaseURL)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if configuration.Clock != nil {
		now = configuration.Clock.Now
	}
	output := configuration.Out
	if output == nil {
		output = io.Discard
	}
	input := configuration.In
	if input == nil {
		input = strings.NewReader("")
	}

	app := &App{
		backend:  configuration.Backend,
		activity: sessionclient.NewSignalHub(),
		meURL:    apiBase.ResolveReference(&url.URL{Path: sessionclient.DefaultEndpoints.Me}).String(),
		now:      now,
		input:    input,
		reader:   bufio.NewReader(input),
		out:      &syncWriter{writer: output},
		logger:   logger,
	}
	manager, managerErr := sessionclient.NewManager(sessionclient.Config{
		AuthClient:      configuration.Backend,
		ActivitySource:  app.activity,
		Transport:       configuration.Transport,
		Clock:           configuration.Clock,
		Logger:          logger,
		InactivityLimit: configuration.InactivityLimit,
		AbsoluteLimit:   configuration.AbsoluteLimit,
		CheckInterval:   configuration.CheckInterval,
		OnLogout:        app.announceLogout,
	})
	if managerErr != nil {
		return nil, fmt.Errorf("cli.new: %w", managerErr)
	}
	app.manager = manager
	return app, nil
}

// Manager exposes the session manager.
func (app *App) Manager() *sessionclient.Manager {
	return app.manager
}

// Run restores any existing session and then serves commands until quit,
// end of input, or ctx cancellation. Timers are released on return.
func (app *App) Run(ctx context.Context) error {
	defer app.manager.Teardown()
	if err := app.manager.Init(ctx); err != nil {
		app.logger.Warn("session restore failed", zap.String("code", "cli.init.failed"), zap.Error(err))
	}
	runREPL(ctx, app, app.reader, app.out)
	return nil
}

func (app *App) isLoggedIn() bool {
	return app.manager.IsAuthenticated()
}

// touch applies any overdue timeout first, so idling past the limit is not
// forgiven by the keystroke that ends the idle period.
func (app *App) touch() {
	app.manager.Check()
	app.activity.Emit(sessionclient.SignalKeyDown)
}

func (app *App) status() string {
	if user := app.manager.User(); user != nil {
		return user.Email
	}
	return "anonymous"
}

func (app *App) printf(format string, arguments ...any) {
	_, _ = fmt.Fprintf(app.out, format, arguments...)
}

func (app *App) announceLogout(event sessionclient.LogoutEvent) {
	app.printf("%s\n", logoutMessage(event.Reason))
}

func logoutMessage(reason sessionclient.LogoutReason) string {
	switch reason {
	case sessionclient.ReasonUser:
		return "Logged out."
	case sessionclient.ReasonInactivity:
		return "Signed out after a period of inactivity. Log in again to continue."
	case sessionclient.ReasonAbsolute:
		return "Session reached its maximum length. Log in again to continue."
	case sessionclient.ReasonRefreshFailed:
		return "Session could not be renewed. Log in again to continue."
	case sessionclient.ReasonUnauthorized:
		return "The server no longer accepts this session. Log in again to continue."
	default:
		return fmt.Sprintf("Signed out (%s).", reason)
	}
}

func (app *App) readCredentials() (string, string, error) {
	email, emailErr := promptText(app.reader, app.out, "Email")
	if emailErr != nil {
		return "", "", emailErr
	}
	password, passwordErr := promptPassword(app.reader, app.input, app.out)
	if passwordErr != nil {
		return "", "", passwordErr
	}
	if email == "" || password == "" {
		return "", "", errEmptyInput
	}
	return email, password, nil
}

// Register creates an account; it does not log in.
func (app *App) Register(ctx context.Context) error {
	email, password, inputErr := app.readCredentials()
	if inputErr != nil {
		return inputErr
	}
	user, registerErr := app.backend.Register(ctx, email, password)
	if registerErr != nil {
		return registerErr
	}
	app.printf("Registered %s. Use login to start a session.\n", user.Email)
	return nil
}

// Login prompts for credentials and starts a session.
func (app *App) Login(ctx context.Context) error {
	email, password, inputErr := app.readCredentials()
	if inputErr != nil {
		return inputErr
	}
	user, loginErr := app.manager.Login(ctx, sessionclient.Credentials{Email: email, Password: password})
	if loginErr != nil {
		return loginErr
	}
	app.printf("Logged in as %s (plan %s).\n", user.Email, user.Plan)
	return nil
}

// Me calls the protected profile endpoint through the session's HTTP client.
func (app *App) Me(ctx context.Context) error {
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, app.meURL, nil)
	if buildErr != nil {
		return buildErr
	}
	response, doErr := app.manager.HTTPClient().Do(request)
	if doErr != nil {
		return doErr
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("cli.me: unexpected status %d", response.StatusCode)
	}
	var user sessionclient.User
	if decodeErr := json.NewDecoder(response.Body).Decode(&user); decodeErr != nil {
		return fmt.Errorf("cli.me: %w", decodeErr)
	}
	verified := "unverified"
	if user.EmailVerified {
		verified = "verified"
	}
	app.printf("%s  %s (%s)  plan %s\n", user.ID, user.Email, verified, user.Plan)
	return nil
}

// Status prints the session state and its deadlines.
func (app *App) Status(ctx context.Context) error {
	snapshot := app.manager.Snapshot()
	app.printf("state: %s\n", snapshot.State)
	if !snapshot.Authenticated {
		if event, ok := app.manager.LastLogout(); ok {
			app.printf("last logout: %s at %s\n", event.Reason, event.At.Format(time.RFC3339))
		}
		return nil
	}
	now := app.now()
	app.printf("user: %s\n", snapshot.User.Email)
	app.printf("access token expires in: %s\n", snapshot.AccessTokenExpiry.Sub(now).Round(time.Second))
	app.printf("session age: %s\n", now.Sub(snapshot.SessionStartedAt).Round(time.Second))
	return nil
}

// Logout ends the session; the logout hook prints the confirmation.
func (app *App) Logout(ctx context.Context) error {
	if !app.manager.IsAuthenticated() {
		return sessionclient.ErrNotAuthenticated
	}
	app.manager.Logout(ctx)
	return nil
}
