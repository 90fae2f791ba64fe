// Package navigation models the surfaces a session can send the user to, and
// the transient notifications reported along the way.
package navigation

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// Route names a surface of the host application
type Route string

const (
	RouteNone          Route = ""
	RouteLogin         Route = "login"
	RouteDefault       Route = "default"
	RouteFarmSelection Route = "farm-selection"
)

// Level classifies a notification
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Navigator moves the host between surfaces
type Navigator interface {
	Navigate(route Route)
	Current() Route
}

// Notifier reports transient messages to the user
type Notifier interface {
	Notify(level Level, message string)
}

// Notification is a recorded Notify call
type Notification struct {
	Level   Level
	Message string
}

// Recorder remembers the current route, the route history and every
// notification. It satisfies both Navigator and Notifier.
type Recorder struct {
	mu            sync.Mutex
	current       Route
	history       []Route
	notifications []Notification
}

// NewRecorder creates a recorder positioned at start
func NewRecorder(start Route) *Recorder {
	return &Recorder{current: start}
}

// Navigate records a move to route
func (r *Recorder) Navigate(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = route
	r.history = append(r.history, route)
}

// Current returns the last route navigated to
func (r *Recorder) Current() Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// History returns every route navigated to, oldest first
func (r *Recorder) History() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Route(nil), r.history...)
}

// Notify records a notification
func (r *Recorder) Notify(level Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, Notification{Level: level, Message: message})
}

// Notifications returns every recorded notification
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// Terminal writes notifications as coloured lines
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminal creates a notifier writing to w
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

// Notify writes message to the terminal
func (t *Terminal) Notify(level Level, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var c *color.Color
	switch level {
	case LevelError:
		c = color.New(color.FgRed)
	case LevelSuccess:
		c = color.New(color.FgGreen)
	default:
		c = color.New(color.FgCyan)
	}
	_, _ = c.Fprintln(t.w, message)
}

// Multi fans a notification out to several notifiers
type Multi []Notifier

// Notify forwards to every notifier
func (m Multi) Notify(level Level, message string) {
	for _, n := range m {
		n.Notify(level, message)
	}
}

// Describe returns a short human description of route
func Describe(route Route) string {
	switch route {
	case RouteLogin:
		return "sign-in required"
	case RouteDefault:
		return "dashboard"
	case RouteFarmSelection:
		return "farm selection"
	default:
		return fmt.Sprintf("route %q", string(route))
	}
}
