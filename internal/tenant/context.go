// Package tenant tracks which farm the session works against and coordinates
// loading and switching farms.
package tenant

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark-chris/farmdesk/internal/tokenstore"
)

// Farm is the tenant unit scoping all domain data
type Farm struct {
	ID                 string `json:"id"`
	CompanyID          string `json:"companyId"`
	LogoRef            string `json:"logoRef"`
	DisplayName        string `json:"displayName"`
	LanguagePreference string `json:"languagePreference"`
}

// Label returns a printable name for the farm
func (f Farm) Label() string {
	if f.DisplayName != "" {
		return f.DisplayName
	}
	return f.ID
}

// Context holds the selected farm and mirrors it into the token store under
// tokenstore.KeySelectedFarm so it survives a restart.
type Context struct {
	store *tokenstore.Store

	mu       sync.RWMutex
	selected *Farm

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(*Farm)
}

// NewContext creates a context and restores any persisted selection. An
// unreadable snapshot is treated as no selection.
func NewContext(store *tokenstore.Store) *Context {
	c := &Context{
		store: store,
		subs:  make(map[int]func(*Farm)),
	}

	if raw, ok, err := store.Lookup(tokenstore.KeySelectedFarm); err == nil && ok {
		var f Farm
		if json.Unmarshal([]byte(raw), &f) == nil && f.ID != "" {
			c.selected = &f
		}
	}
	return c
}

// Selected returns the selected farm, if any
func (c *Context) Selected() (Farm, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.selected == nil {
		return Farm{}, false
	}
	return *c.selected, true
}

// SelectedID returns the selected farm id or ""
func (c *Context) SelectedID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.selected == nil {
		return ""
	}
	return c.selected.ID
}

// Select persists f and makes it the selection
func (c *Context) Select(f Farm) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal farm: %w", err)
	}

	c.mu.Lock()
	if err := c.store.Set(tokenstore.KeySelectedFarm, string(data)); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to persist selected farm: %w", err)
	}
	c.selected = &f
	c.mu.Unlock()

	c.publish(&f)
	return nil
}

// Clear drops the selection
func (c *Context) Clear() error {
	c.mu.Lock()
	err := c.store.Delete(tokenstore.KeySelectedFarm)
	c.selected = nil
	c.mu.Unlock()

	c.publish(nil)
	if err != nil {
		return fmt.Errorf("failed to clear selected farm: %w", err)
	}
	return nil
}

// Subscribe registers fn for selection changes; nil means cleared.
// Callbacks must not call back into the switcher.
func (c *Context) Subscribe(fn func(*Farm)) func() {
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

func (c *Context) publish(f *Farm) {
	c.subMu.Lock()
	fns := make([]func(*Farm), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		var copied *Farm
		if f != nil {
			v := *f
			copied = &v
		}
		fn(copied)
	}
}
