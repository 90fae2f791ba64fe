package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mark-chris/farmdesk/internal/api"
	"github.com/mark-chris/farmdesk/internal/navigation"
	"github.com/mark-chris/farmdesk/internal/tokenstore"
)

// fakeFarmService answers ListFarms from a queue of scripted responses. A
// response with a release channel blocks until it is closed, ignoring
// cancellation like a transport that cannot abort.
type fakeFarmService struct {
	mu          sync.Mutex
	lists       []scriptedList
	listCalls   int
	selectCalls int
	selectToken string
	selectErr   error
}

type scriptedList struct {
	list    *api.FarmList
	err     error
	release chan struct{}
	started chan struct{}
}

func (f *fakeFarmService) ListFarms(ctx context.Context) (*api.FarmList, error) {
	f.mu.Lock()
	idx := f.listCalls
	f.listCalls++
	var s scriptedList
	if idx < len(f.lists) {
		s = f.lists[idx]
	} else if len(f.lists) > 0 {
		s = f.lists[len(f.lists)-1]
		s.release, s.started = nil, nil
	}
	f.mu.Unlock()

	if s.started != nil {
		close(s.started)
	}
	if s.release != nil {
		<-s.release
	}
	return s.list, s.err
}

func (f *fakeFarmService) SelectFarm(ctx context.Context, farmID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectCalls++
	if f.selectErr != nil {
		return "", f.selectErr
	}
	return f.selectToken + farmID, nil
}

func (f *fakeFarmService) SelectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selectCalls
}

type recordingRotator struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (r *recordingRotator) RotateAccessToken(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tokens = append(r.tokens, token)
	return nil
}

func farmList(ids ...string) *api.FarmList {
	l := &api.FarmList{Success: true}
	for _, id := range ids {
		l.Farms = append(l.Farms, api.Farm{ID: id, Name: "Farm " + id, CompanyID: "co"})
	}
	return l
}

type fixture struct {
	store    *tokenstore.Store
	service  *fakeFarmService
	rotator  *recordingRotator
	nav      *navigation.Recorder
	switcher *Switcher
}

func newFixture(t *testing.T, service *fakeFarmService) *fixture {
	t.Helper()
	store := tokenstore.NewMemory()
	return newFixtureWithStore(t, store, service)
}

func newFixtureWithStore(t *testing.T, store *tokenstore.Store, service *fakeFarmService) *fixture {
	t.Helper()
	if service.selectToken == "" {
		service.selectToken = "scoped-"
	}
	rotator := &recordingRotator{}
	nav := navigation.NewRecorder(navigation.RouteDefault)
	return &fixture{
		store:    store,
		service:  service,
		rotator:  rotator,
		nav:      nav,
		switcher: NewSwitcher(service, NewContext(store), rotator, nav, nav, zerolog.Nop()),
	}
}

func TestContext_PersistsSelection(t *testing.T) {
	store := tokenstore.NewMemory()
	c := NewContext(store)

	var seen []*Farm
	c.Subscribe(func(f *Farm) { seen = append(seen, f) })

	require.NoError(t, c.Select(Farm{ID: "f1", DisplayName: "North"}))

	restored := NewContext(store)
	got, ok := restored.Selected()
	require.True(t, ok)
	require.Equal(t, "North", got.DisplayName)

	require.NoError(t, c.Clear())
	_, ok = c.Selected()
	require.False(t, ok)
	_, err := store.Get(tokenstore.KeySelectedFarm)
	require.ErrorIs(t, err, tokenstore.ErrNotFound)

	require.Len(t, seen, 2)
	require.Equal(t, "f1", seen[0].ID)
	require.Nil(t, seen[1])
}

func TestContext_IgnoresCorruptSnapshot(t *testing.T) {
	store := tokenstore.NewMemory()
	require.NoError(t, store.Set(tokenstore.KeySelectedFarm, "{not json"))

	c := NewContext(store)
	require.Equal(t, "", c.SelectedID())
}

func TestLoadTenants_SingleFarmAutoSelected(t *testing.T) {
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{{list: farmList("f1")}}})

	d, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)
	require.True(t, d.AutoSelected)
	require.Equal(t, "f1", d.Selected.ID)
	require.Equal(t, "f1", fx.switcher.Context().SelectedID())
}

func TestLoadTenants_MultipleFarmsLeftUnselected(t *testing.T) {
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{{list: farmList("f1", "f2")}}})

	d, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)
	require.False(t, d.AutoSelected)
	require.Nil(t, d.Selected)
	require.Len(t, d.Farms, 2)
	require.Equal(t, "", fx.switcher.Context().SelectedID())
}

func TestLoadTenants_ServerAutoSelect(t *testing.T) {
	list := farmList("f1", "f2")
	list.AutoSelect = true
	list.SelectedFarmID = "f2"
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{{list: list}}})

	d, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)
	require.True(t, d.AutoSelected)
	require.Equal(t, "f2", fx.switcher.Context().SelectedID())
}

func TestLoadTenants_DropsStaleSelection(t *testing.T) {
	store := tokenstore.NewMemory()
	require.NoError(t, NewContext(store).Select(Farm{ID: "gone"}))

	fx := newFixtureWithStore(t, store, &fakeFarmService{lists: []scriptedList{{list: farmList("f1", "f2")}}})
	require.Equal(t, "gone", fx.switcher.Context().SelectedID())

	_, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)
	require.Equal(t, "", fx.switcher.Context().SelectedID())
}

func TestLoadTenants_FailureKeepsSelection(t *testing.T) {
	store := tokenstore.NewMemory()
	require.NoError(t, NewContext(store).Select(Farm{ID: "f1"}))

	fx := newFixtureWithStore(t, store, &fakeFarmService{lists: []scriptedList{{err: errors.New("offline")}}})

	_, err := fx.switcher.LoadTenants(context.Background())
	require.Error(t, err)
	require.Equal(t, "f1", fx.switcher.Context().SelectedID())
}

func TestLoadTenants_LatestRequestWins(t *testing.T) {
	releaseA := make(chan struct{})
	startedA := make(chan struct{})
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{
		{list: farmList("a1", "a2"), release: releaseA, started: startedA},
		{list: farmList("b1", "b2", "b3")},
	}})

	type result struct {
		d   Discovery
		err error
	}
	resA := make(chan result, 1)
	go func() {
		d, err := fx.switcher.LoadTenants(context.Background())
		resA <- result{d, err}
	}()
	<-startedA

	// B is issued after A and resolves first
	dB, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)
	require.False(t, dB.Stale)
	require.Len(t, dB.Farms, 3)

	close(releaseA)
	select {
	case r := <-resA:
		require.NoError(t, r.err)
		require.True(t, r.d.Stale)
	case <-time.After(2 * time.Second):
		t.Fatal("load A never returned")
	}

	farms := fx.switcher.Farms()
	require.Len(t, farms, 3)
	require.Equal(t, "b1", farms[0].ID)
}

func TestSwitchTenant_ToCurrentIsNoop(t *testing.T) {
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{{list: farmList("f1")}}})
	_, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)

	require.NoError(t, fx.switcher.SwitchTenant(context.Background(), "f1"))
	require.Equal(t, 0, fx.service.SelectCalls())
	require.Empty(t, fx.rotator.tokens)
	require.Equal(t, "f1", fx.switcher.Context().SelectedID())
}

func TestSwitchTenant_RotatesTokenAndSelects(t *testing.T) {
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{{list: farmList("f1", "f2")}}})
	_, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)

	fx.nav.Navigate(navigation.RouteFarmSelection)
	require.NoError(t, fx.switcher.SwitchTenant(context.Background(), "f2"))

	require.Equal(t, []string{"scoped-f2"}, fx.rotator.tokens)
	selected, ok := fx.switcher.Context().Selected()
	require.True(t, ok)
	require.Equal(t, "Farm f2", selected.DisplayName)
	require.Equal(t, navigation.RouteDefault, fx.nav.Current())
}

func TestSwitchTenant_StaysOnCurrentSurface(t *testing.T) {
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{{list: farmList("f1", "f2")}}})
	_, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)

	fx.nav.Navigate(navigation.Route("animals"))
	require.NoError(t, fx.switcher.SwitchTenant(context.Background(), "f1"))
	require.Equal(t, navigation.Route("animals"), fx.nav.Current())
}

func TestSwitchTenant_UnknownFarmReloadsList(t *testing.T) {
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{
		{list: farmList("f1", "f2")},
		{list: farmList("f1", "f2", "f3")},
	}})
	_, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)

	require.NoError(t, fx.switcher.SwitchTenant(context.Background(), "f3"))
	selected, _ := fx.switcher.Context().Selected()
	require.Equal(t, "Farm f3", selected.DisplayName)
	require.Equal(t, 2, fx.service.listCalls)
}

func TestSwitchTenant_FailureKeepsSelection(t *testing.T) {
	fx := newFixture(t, &fakeFarmService{
		lists:     []scriptedList{{list: farmList("f1", "f2")}},
		selectErr: api.ErrSelectRejected,
	})
	_, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)
	require.NoError(t, fx.switcher.Context().Select(Farm{ID: "f1"}))

	err = fx.switcher.SwitchTenant(context.Background(), "f2")
	require.ErrorIs(t, err, ErrSwitchFailed)
	require.ErrorIs(t, err, api.ErrSelectRejected)
	require.Equal(t, "f1", fx.switcher.Context().SelectedID())
	require.Empty(t, fx.rotator.tokens)

	notes := fx.nav.Notifications()
	require.Len(t, notes, 1)
	require.Equal(t, navigation.LevelError, notes[0].Level)
}

func TestSwitchTenant_RotationFailureKeepsSelection(t *testing.T) {
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{{list: farmList("f1", "f2")}}})
	_, err := fx.switcher.LoadTenants(context.Background())
	require.NoError(t, err)
	fx.rotator.err = errors.New("undecodable token")

	err = fx.switcher.SwitchTenant(context.Background(), "f2")
	require.ErrorIs(t, err, ErrSwitchFailed)
	require.Equal(t, "", fx.switcher.Context().SelectedID())
}

func TestClear_VoidsInFlightLoad(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fx := newFixture(t, &fakeFarmService{lists: []scriptedList{
		{list: farmList("f1"), release: release, started: started},
	}})

	done := make(chan Discovery, 1)
	go func() {
		d, _ := fx.switcher.LoadTenants(context.Background())
		done <- d
	}()
	<-started

	require.NoError(t, fx.switcher.Clear())
	close(release)

	d := <-done
	require.True(t, d.Stale)
	require.Equal(t, "", fx.switcher.Context().SelectedID())
	require.Empty(t, fx.switcher.Farms())
}
