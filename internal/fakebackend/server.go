// Package fakebackend is an in-process implementation of the session and farm
// endpoints the client consumes, for tests.
package fakebackend

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// DefaultSecret signs access tokens when no secret is configured
var DefaultSecret = []byte("farmdesk-fake-backend-secret-32b!")

// Farm is a tenant known to the backend
type Farm struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Logo      string `json:"logo"`
	Name      string `json:"name"`
	Language  string `json:"language"`
}

// User is an account that can sign in
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	FarmIDs      []string
	// AutoSelect makes the farm listing ask the client to select SelectedFarmID
	AutoSelect     bool
	SelectedFarmID string
}

// refreshRecord is a stored refresh token, kept by hash
type refreshRecord struct {
	UserID    uuid.UUID
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Server holds the backend state. Toggles and counters are safe to use while
// requests are being served.
type Server struct {
	secret []byte
	now    func() time.Time

	mu            sync.Mutex
	users         map[string]*User
	farms         map[string]Farm
	refresh       map[string]*refreshRecord
	revoked       map[string]bool
	calls         map[string]int
	accessTTL     time.Duration
	rejectRefresh bool
	failSelect    bool
	csrfToken     string
	beforeList    func(r *http.Request)
	beforeRefresh func(r *http.Request)
	refreshStatus int
}

// Option configures a Server
type Option func(*Server)

// WithSecret sets the HMAC secret used to sign access tokens
func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = secret }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithAccessTTL sets the lifetime of issued access tokens
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithCSRFToken makes mutating farm endpoints require the given X-CSRF-Token
func WithCSRFToken(token string) Option {
	return func(s *Server) { s.csrfToken = token }
}

// New creates an empty backend
func New(opts ...Option) *Server {
	s := &Server{
		secret:    DefaultSecret,
		now:       time.Now,
		users:     make(map[string]*User),
		farms:     make(map[string]Farm),
		refresh:   make(map[string]*refreshRecord),
		revoked:   make(map[string]bool),
		calls:     make(map[string]int),
		accessTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves the backend on a loopback listener. The caller closes it.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s.Handler())
}

// AddFarm registers a farm
func (s *Server) AddFarm(f Farm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.farms[f.ID] = f
}

// AddUser registers an account with access to farmIDs
func (s *Server) AddUser(email, password string, farmIDs ...string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		FarmIDs:      farmIDs,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = u
	return u, nil
}

// SetAutoSelect makes the farm listing for email request auto selection of farmID
func (s *Server) SetAutoSelect(email, farmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return errors.New("unknown user")
	}
	u.AutoSelect = farmID != ""
	u.SelectedFarmID = farmID
	return nil
}

// SetRejectRefresh makes /auth/refresh answer success:false
func (s *Server) SetRejectRefresh(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = reject
}

// SetFailSelect makes /farms/select answer success:false
func (s *Server) SetFailSelect(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSelect = fail
}

// SetAccessTTL changes the lifetime of access tokens issued from now on
func (s *Server) SetAccessTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTTL = d
}

// BeforeList installs a hook run at the start of every farm listing, e.g. to
// hold a response back
func (s *Server) BeforeList(fn func(r *http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeList = fn
}

// BeforeRefresh installs a hook run at the start of every refresh call
func (s *Server) BeforeRefresh(fn func(r *http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeRefresh = fn
}

// SetRefreshStatus makes refresh calls answer status with an empty body.
// Zero restores normal handling.
func (s *Server) SetRefreshStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// RevokeAccessToken makes the backend answer 401 to token from now on
func (s *Server) RevokeAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[hashToken(token)] = true
}

// RefreshTokenValid reports whether token is a live refresh token
func (s *Server) RefreshTokenValid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[hashToken(token)]
	return ok && rec.RevokedAt == nil && s.now().Before(rec.ExpiresAt)
}

// Calls returns how many requests reached path
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// IssueAccessToken mints an access token for email without a login, scoped to
// farmID when it is non-empty
func (s *Server) IssueAccessToken(email, farmID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	u, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		return "", errors.New("unknown user")
	}
	return s.mintAccessToken(u, farmID, ttl)
}

// IssueRefreshToken stores and returns a refresh token for email
func (s *Server) IssueRefreshToken(email string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return "", errors.New("unknown user")
	}
	return s.storeRefreshTokenLocked(u.ID), nil
}

func (s *Server) storeRefreshTokenLocked(userID uuid.UUID) string {
	token := uuid.NewString()
	s.refresh[hashToken(token)] = &refreshRecord{
		UserID:    userID,
		ExpiresAt: s.now().Add(7 * 24 * time.Hour),
	}
	return token
}

func (s *Server) count(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[path]++
}

func (s *Server) userByID(id uuid.UUID) *User {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// hashToken hashes a token using SHA256
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
