package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mark-chris/farmdesk/internal/api"
	"github.com/mark-chris/farmdesk/internal/navigation"
)

var (
	// ErrSwitchFailed is returned when the server refuses or fails a farm switch
	ErrSwitchFailed = errors.New("farm switch failed")
	// ErrSwitchSuperseded is returned when a newer switch was issued before this one finished
	ErrSwitchSuperseded = errors.New("farm switch superseded")
)

// FarmService is the server side of farm listing and selection
type FarmService interface {
	ListFarms(ctx context.Context) (*api.FarmList, error)
	SelectFarm(ctx context.Context, farmID string) (string, error)
}

// TokenRotator replaces the access token with a farm scoped one
type TokenRotator interface {
	RotateAccessToken(token string) error
}

// Discovery is the outcome of LoadTenants
type Discovery struct {
	Farms        []Farm
	Selected     *Farm
	AutoSelected bool
	// Stale is set when a newer load superseded this one; nothing was committed
	Stale bool
}

// Switcher loads the farms available to the user and switches between them.
// Only the most recently issued load or switch may commit state.
type Switcher struct {
	service  FarmService
	farmCtx  *Context
	rotator  TokenRotator
	nav      navigation.Navigator
	notifier navigation.Notifier
	logger   zerolog.Logger

	mu         sync.Mutex
	loadID     string
	cancelLoad context.CancelFunc
	switchID   string
	farms      []Farm
}

// NewSwitcher creates a switcher
func NewSwitcher(service FarmService, farmCtx *Context, rotator TokenRotator, nav navigation.Navigator, notifier navigation.Notifier, logger zerolog.Logger) *Switcher {
	return &Switcher{
		service:  service,
		farmCtx:  farmCtx,
		rotator:  rotator,
		nav:      nav,
		notifier: notifier,
		logger:   logger,
	}
}

// Context returns the farm context the switcher writes to
func (s *Switcher) Context() *Context {
	return s.farmCtx
}

// Farms returns the last committed farm list
func (s *Switcher) Farms() []Farm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Farm(nil), s.farms...)
}

// LoadTenants fetches the user's farms. Issuing a new load cancels the one in
// flight; a load that resolves after being superseded commits nothing and
// reports Stale.
func (s *Switcher) LoadTenants(ctx context.Context) (Discovery, error) {
	id := uuid.NewString()
	loadCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	s.loadID = id
	s.cancelLoad = cancel
	s.mu.Unlock()

	defer cancel()

	list, err := s.service.ListFarms(loadCtx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadID != id {
		s.logger.Debug().Str("request_id", id).Msg("discarding superseded farm list")
		return Discovery{Stale: true}, nil
	}
	s.cancelLoad = nil

	if err != nil {
		return Discovery{}, fmt.Errorf("failed to load farms: %w", err)
	}

	farms := make([]Farm, len(list.Farms))
	for i, f := range list.Farms {
		farms[i] = fromAPI(f)
	}
	s.farms = farms

	d, err := s.commitSelection(farms, list)
	if err != nil {
		return Discovery{}, err
	}
	s.logger.Debug().Str("request_id", id).Int("farms", len(farms)).Bool("auto_selected", d.AutoSelected).Msg("farm list committed")
	return d, nil
}

// commitSelection reconciles the selection with a fresh list. Caller holds s.mu.
func (s *Switcher) commitSelection(farms []Farm, list *api.FarmList) (Discovery, error) {
	d := Discovery{Farms: append([]Farm(nil), farms...)}

	if current, ok := s.farmCtx.Selected(); ok {
		if f, found := find(farms, current.ID); found {
			if f != current {
				if err := s.farmCtx.Select(f); err != nil {
					return Discovery{}, err
				}
			}
			d.Selected = &f
			return d, nil
		}
		// The persisted selection no longer exists server side
		s.logger.Info().Str("farm_id", current.ID).Msg("dropping stale farm selection")
		if err := s.farmCtx.Clear(); err != nil {
			return Discovery{}, err
		}
	}

	var pick *Farm
	switch {
	case len(farms) == 1:
		pick = &farms[0]
	case list.AutoSelect && list.SelectedFarmID != "":
		if f, found := find(farms, list.SelectedFarmID); found {
			pick = &f
		}
	}

	if pick != nil {
		if err := s.farmCtx.Select(*pick); err != nil {
			return Discovery{}, err
		}
		selected := *pick
		d.Selected = &selected
		d.AutoSelected = true
	}
	return d, nil
}

// SwitchTenant makes farmID the selected farm. Switching to the current farm
// does nothing. On failure the previous selection stays.
func (s *Switcher) SwitchTenant(ctx context.Context, farmID string) error {
	if farmID == "" {
		return fmt.Errorf("%w: farm id is required", ErrSwitchFailed)
	}
	if s.farmCtx.SelectedID() == farmID {
		return nil
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.switchID = id
	s.mu.Unlock()

	token, err := s.service.SelectFarm(ctx, farmID)
	if s.superseded(id) {
		return ErrSwitchSuperseded
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("farm_id", farmID).Msg("farm switch failed")
		s.notifier.Notify(navigation.LevelError, "Could not switch farm. Please try again.")
		return fmt.Errorf("%w: %w", ErrSwitchFailed, err)
	}

	farm, known := s.lookup(farmID)
	if !known {
		if _, err := s.LoadTenants(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("could not reload farms after switch")
		}
		if farm, known = s.lookup(farmID); !known {
			farm = Farm{ID: farmID}
		}
	}

	s.mu.Lock()
	if s.switchID != id {
		s.mu.Unlock()
		return ErrSwitchSuperseded
	}
	if err := s.rotator.RotateAccessToken(token); err != nil {
		s.mu.Unlock()
		s.notifier.Notify(navigation.LevelError, "Could not switch farm. Please try again.")
		return fmt.Errorf("%w: %w", ErrSwitchFailed, err)
	}
	err = s.farmCtx.Select(farm)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSwitchFailed, err)
	}

	if s.nav.Current() == navigation.RouteFarmSelection {
		s.nav.Navigate(navigation.RouteDefault)
	}
	s.notifier.Notify(navigation.LevelSuccess, fmt.Sprintf("Switched to %s", farm.Label()))
	return nil
}

// Clear forgets the farm list and selection and voids loads and switches in flight
func (s *Switcher) Clear() error {
	s.mu.Lock()
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.loadID = ""
	s.switchID = ""
	s.farms = nil
	s.mu.Unlock()

	return s.farmCtx.Clear()
}

func (s *Switcher) superseded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchID != id
}

func (s *Switcher) lookup(farmID string) (Farm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return find(s.farms, farmID)
}

func find(farms []Farm, id string) (Farm, bool) {
	for _, f := range farms {
		if f.ID == id {
			return f, true
		}
	}
	return Farm{}, false
}

func fromAPI(f api.Farm) Farm {
	return Farm{
		ID:                 f.ID,
		CompanyID:          f.CompanyID,
		LogoRef:            f.Logo,
		DisplayName:        f.Name,
		LanguagePreference: f.Language,
	}
}
