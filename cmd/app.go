package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mark-chris/farmdesk/internal/api"
	"github.com/mark-chris/farmdesk/internal/config"
	"github.com/mark-chris/farmdesk/internal/logger"
	"github.com/mark-chris/farmdesk/internal/navigation"
	"github.com/mark-chris/farmdesk/internal/session"
	"github.com/mark-chris/farmdesk/internal/tenant"
	"github.com/mark-chris/farmdesk/internal/tokenstore"
)

// storeFactory allows injecting a memory backend in tests
var storeFactory = func(cfg *config.Config) tokenstore.Backend {
	if cfg.Store.Backend == config.BackendFile {
		return tokenstore.NewFileBackend(cfg.Store.Path)
	}
	return tokenstore.NewKeyringBackend()
}

var errNotLoggedIn = errors.New("not logged in. Run 'farmdesk login' first")

// app is the wired session stack for one command invocation
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	client   *api.Client
	store    *tokenstore.Store
	nav      *navigation.Recorder
	ctrl     *session.Controller
	switcher *tenant.Switcher
}

// newApp loads the configuration and wires the store, HTTP layer, session
// controller and farm switcher
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Logging.Level, cmd.ErrOrStderr())
	if cfg.IsInsecure() {
		log.Warn().Str("url", cfg.Server.URL).Msg("server URL uses plain http; credentials are sent unencrypted")
	}

	nav := navigation.NewRecorder(navigation.RouteNone)
	notifier := navigation.Multi{nav, navigation.NewTerminal(cmd.OutOrStdout())}

	opts := []api.Option{api.WithLogger(log)}
	if cfg.Session.RequestTimeout > 0 {
		opts = append(opts, api.WithTimeout(cfg.Session.RequestTimeout))
	}
	if token := cfg.Server.CSRFToken; token != "" {
		opts = append(opts, api.WithCSRFToken(func() string { return token }))
	}
	client := api.NewClient(cfg.Server.URL, opts...)

	store := tokenstore.New(storeFactory(cfg))
	ctrl := session.NewController(store, api.NewAuthAPI(client), nav,
		session.WithLogger(log),
		session.WithNotifier(notifier),
		session.WithCoalescedRefresh(cfg.Session.CoalesceRefresh),
	)

	factory := api.NewFactory(client, store, ctrl)
	farms := api.NewFarmAPI(factory.New("/farms"))
	switcher := tenant.NewSwitcher(farms, tenant.NewContext(store), ctrl, nav, notifier, log)
	ctrl.UseTenants(switcher)

	return &app{
		cfg:      cfg,
		logger:   log,
		client:   client,
		store:    store,
		nav:      nav,
		ctrl:     ctrl,
		switcher: switcher,
	}, nil
}

// bootApp wires the stack and restores the stored session
func bootApp(cmd *cobra.Command) (*app, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}
	a.ctrl.Initialize(cmd.Context())
	return a, nil
}

// requireSession fails unless the restored session is usable
func (a *app) requireSession() error {
	if !a.ctrl.Session().Authenticated() {
		return errNotLoggedIn
	}
	return nil
}
