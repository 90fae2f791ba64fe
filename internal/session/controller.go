// Package session owns the authentication lifecycle: boot, login, logout and
// refreshing the access token when the server rejects it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mark-chris/farmdesk/internal/api"
	"github.com/mark-chris/farmdesk/internal/navigation"
	"github.com/mark-chris/farmdesk/internal/tenant"
	"github.com/mark-chris/farmdesk/internal/tokencodec"
	"github.com/mark-chris/farmdesk/internal/tokenstore"
)

var (
	// ErrLoginFailed wraps every reason a login did not produce a session
	ErrLoginFailed = errors.New("login failed")
	// ErrRefreshFailed is returned when the server would not issue a new access token
	ErrRefreshFailed = errors.New("session refresh failed")
	// ErrNoRefreshToken is returned when a refresh is needed but none is stored
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// Status is the authentication state of a session
type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// Session is a snapshot of the authentication state
type Session struct {
	Token  string
	Claims *tokencodec.Claims
	Status Status
}

// Authenticated reports whether the snapshot holds a usable session
func (s Session) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Token != "" && s.Claims != nil
}

// Authenticator is the server side of the session endpoints
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*api.LoginResponse, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Tenants is the farm discovery the controller triggers after login and
// clears on logout
type Tenants interface {
	LoadTenants(ctx context.Context) (tenant.Discovery, error)
	Clear() error
}

// Option configures a Controller
type Option func(*Controller)

// WithClock replaces time.Now for expiry checks
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the controller logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithNotifier sets where user facing messages go
func WithNotifier(n navigation.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithCoalescedRefresh makes concurrent refreshes share one server call
func WithCoalescedRefresh(enabled bool) Option {
	return func(c *Controller) { c.coalesce = enabled }
}

// Controller is the only writer of the token keys in the store. It implements
// api.Refresher for the HTTP layer and tenant.TokenRotator for the switcher.
type Controller struct {
	store    *tokenstore.Store
	auth     Authenticator
	nav      navigation.Navigator
	notifier navigation.Notifier
	logger   zerolog.Logger
	now      func() time.Time
	coalesce bool
	group    singleflight.Group

	initOnce sync.Once

	mu      sync.RWMutex
	session Session
	tenants Tenants

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Session)
}

// NewController creates a controller in the initializing state
func NewController(store *tokenstore.Store, auth Authenticator, nav navigation.Navigator, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		auth:     auth,
		nav:      nav,
		notifier: navigation.Multi(nil),
		logger:   zerolog.Nop(),
		now:      time.Now,
		session:  Session{Status: StatusInitializing},
		subs:     make(map[int]func(Session)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UseTenants attaches farm discovery. It is set after construction because
// the switcher itself depends on the controller.
func (c *Controller) UseTenants(t Tenants) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants = t
}

// Session returns the current session snapshot
func (c *Controller) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Subscribe registers fn for session changes and returns a function removing it.
// Callbacks run synchronously and must not block.
func (c *Controller) Subscribe(fn func(Session)) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Initialize restores the session from the store. It runs once per
// controller; concurrent and later calls wait for and return the same outcome.
func (c *Controller) Initialize(ctx context.Context) Session {
	c.initOnce.Do(func() {
		c.boot(ctx)
	})
	return c.Session()
}

func (c *Controller) boot(ctx context.Context) {
	token, ok, err := c.store.Lookup(tokenstore.KeyAccessToken)
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not read access token")
	}
	if !ok {
		c.logger.Debug().Msg("no stored session")
		c.setSession(Session{Status: StatusUnauthenticated})
		return
	}

	if claims, valid := tokencodec.Valid(token, c.now()); valid {
		c.logger.Debug().Str("subject", claims.Subject).Time("expires_at", claims.ExpiresAt).Msg("restored session")
		c.setSession(Session{Token: token, Claims: &claims, Status: StatusAuthenticated})
		return
	}

	if _, ok, _ := c.store.Lookup(tokenstore.KeyRefreshToken); !ok {
		c.logger.Info().Msg("stored access token unusable and no refresh token")
		if err := c.store.Delete(tokenstore.KeyAccessToken); err != nil {
			c.logger.Warn().Err(err).Msg("could not delete access token")
		}
		c.setSession(Session{Status: StatusUnauthenticated})
		return
	}

	c.logger.Info().Msg("stored access token expired, refreshing")
	if _, err := c.refresh(ctx); err != nil {
		c.logger.Info().Err(err).Msg("could not restore session")
		if err := c.clearCredentials(); err != nil {
			c.logger.Warn().Err(err).Msg("could not clear credentials")
		}
		c.setSession(Session{Status: StatusUnauthenticated})
	}
}

// Login exchanges credentials for a session and runs farm discovery. A failed
// login leaves any existing session as it was.
func (c *Controller) Login(ctx context.Context, email, password string) error {
	resp, err := c.auth.Login(ctx, email, password)
	if err != nil {
		return c.loginFailed(err)
	}

	claims, ok := tokencodec.Valid(resp.Data.AccessToken, c.now())
	if !ok {
		return c.loginFailed(errors.New("server returned an unusable access token"))
	}

	if err := c.storeLoginTokens(resp.Data.AccessToken, resp.RefreshToken); err != nil {
		return c.loginFailed(err)
	}

	c.setSession(Session{Token: resp.Data.AccessToken, Claims: &claims, Status: StatusAuthenticated})
	c.logger.Info().Str("subject", claims.Subject).Msg("logged in")

	c.nav.Navigate(c.discover(ctx))
	return nil
}

// storeLoginTokens persists both tokens. If the refresh token cannot be
// written the previous access token is put back, so the store never pairs the
// new access token with the old refresh token.
func (c *Controller) storeLoginTokens(access, refresh string) error {
	prev, hadPrev, err := c.store.Lookup(tokenstore.KeyAccessToken)
	if err != nil {
		return err
	}
	if err := c.store.Set(tokenstore.KeyAccessToken, access); err != nil {
		return err
	}

	if refresh != "" {
		err = c.store.Set(tokenstore.KeyRefreshToken, refresh)
	} else {
		err = c.store.Delete(tokenstore.KeyRefreshToken)
	}
	if err == nil {
		return nil
	}

	var restoreErr error
	if hadPrev {
		restoreErr = c.store.Set(tokenstore.KeyAccessToken, prev)
	} else {
		restoreErr = c.store.Delete(tokenstore.KeyAccessToken)
	}
	if restoreErr != nil {
		c.logger.Warn().Err(restoreErr).Msg("could not restore previous access token")
	}
	return err
}

func (c *Controller) loginFailed(err error) error {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusBadRequest) {
		c.notifier.Notify(navigation.LevelError, "Invalid email or password.")
	} else {
		c.notifier.Notify(navigation.LevelError, "Could not sign in. Please try again.")
	}
	c.logger.Warn().Err(err).Msg("login failed")
	return fmt.Errorf("%w: %w", ErrLoginFailed, err)
}

// discover loads the farm list and picks where the user lands next
func (c *Controller) discover(ctx context.Context) navigation.Route {
	c.mu.RLock()
	tenants := c.tenants
	c.mu.RUnlock()
	if tenants == nil {
		return navigation.RouteDefault
	}

	d, err := tenants.LoadTenants(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("farm discovery failed, keeping persisted selection")
		return navigation.RouteDefault
	}
	if d.Stale || d.Selected != nil || len(d.Farms) <= 1 {
		return navigation.RouteDefault
	}
	return navigation.RouteFarmSelection
}

// Logout ends the session. The server call is best effort; local credentials
// and the farm selection are always cleared. Calling it again is harmless.
func (c *Controller) Logout(ctx context.Context) error {
	if refreshToken, ok, _ := c.store.Lookup(tokenstore.KeyRefreshToken); ok {
		if err := c.auth.Logout(ctx, refreshToken); err != nil {
			c.logger.Debug().Err(err).Msg("server logout failed")
		}
	}

	err := c.clearCredentials()
	c.setSession(Session{Status: StatusUnauthenticated})
	c.nav.Navigate(navigation.RouteLogin)
	c.logger.Info().Msg("logged out")
	return err
}

// RefreshAccessToken obtains a new access token with the stored refresh token.
// A failure ends the session and sends the user to login, unless it was caused
// by ctx being cancelled; then the session is left as it was.
func (c *Controller) RefreshAccessToken(ctx context.Context) (string, error) {
	var (
		token string
		err   error
	)
	if c.coalesce {
		var v any
		// The shared refresh must not depend on whichever caller started it
		v, err, _ = c.group.Do("refresh", func() (any, error) {
			return c.refresh(context.WithoutCancel(ctx))
		})
		token, _ = v.(string)
	} else {
		token, err = c.refresh(ctx)
	}

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		c.logger.Debug().Err(err).Msg("refresh abandoned by caller")
		return "", err
	}
	if err != nil {
		c.logger.Info().Err(err).Msg("refresh failed, ending session")
		c.expire()
		return "", err
	}
	return token, nil
}

func (c *Controller) refresh(ctx context.Context) (string, error) {
	refreshToken, ok, err := c.store.Lookup(tokenstore.KeyRefreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if !ok {
		return "", ErrNoRefreshToken
	}

	token, err := c.auth.Refresh(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	claims, ok := tokencodec.Valid(token, c.now())
	if !ok {
		return "", fmt.Errorf("%w: server returned an unusable access token", ErrRefreshFailed)
	}
	if err := c.store.Set(tokenstore.KeyAccessToken, token); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	c.setSession(Session{Token: token, Claims: &claims, Status: StatusAuthenticated})
	c.logger.Debug().Time("expires_at", claims.ExpiresAt).Msg("access token refreshed")
	return token, nil
}

// RotateAccessToken replaces the access token with one issued by the server
// for a farm switch. The refresh token is kept.
func (c *Controller) RotateAccessToken(token string) error {
	claims, ok := tokencodec.Valid(token, c.now())
	if !ok {
		return errors.New("server returned an unusable access token")
	}
	if err := c.store.Set(tokenstore.KeyAccessToken, token); err != nil {
		return fmt.Errorf("failed to persist access token: %w", err)
	}

	c.setSession(Session{Token: token, Claims: &claims, Status: StatusAuthenticated})
	c.logger.Debug().Str("farm_id", claims.FarmID).Msg("access token rotated")
	return nil
}

// expire drops the session after an unrecoverable refresh failure
func (c *Controller) expire() {
	if err := c.clearCredentials(); err != nil {
		c.logger.Warn().Err(err).Msg("could not clear credentials")
	}
	c.setSession(Session{Status: StatusUnauthenticated})
	c.nav.Navigate(navigation.RouteLogin)
}

// clearCredentials empties the store and the farm selection. It must not be
// called with c.mu held: the switcher calls back into the controller.
func (c *Controller) clearCredentials() error {
	c.mu.RLock()
	tenants := c.tenants
	c.mu.RUnlock()

	var errs []error
	if tenants != nil {
		errs = append(errs, tenants.Clear())
	}
	errs = append(errs, c.store.Clear())
	return errors.Join(errs...)
}

func (c *Controller) setSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	c.subMu.Lock()
	fns := make([]func(Session), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
