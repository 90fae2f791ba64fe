package fakebackend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const userKey contextKey = "user"

// accessClaims is the payload of issued access tokens. The id keeps tokens
// minted within the same second distinct.
type accessClaims struct {
	FarmID string `json:"farm_id,omitempty"`
	jwt.RegisteredClaims
}

// Handler returns the backend's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.Handle("GET /farms/user", s.requireAuth(http.HandlerFunc(s.handleListFarms)))
	mux.Handle("POST /farms/select", s.requireAuth(s.requireCSRF(http.HandlerFunc(s.handleSelectFarm))))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.count(r.URL.Path)
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "farmdesk-fake-backend",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request body",
		})
		return
	}

	s.mu.Lock()
	user := s.users[req.Email]
	s.mu.Unlock()

	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "Invalid credentials",
		})
		return
	}

	accessToken, err := s.mintAccessToken(user, "", 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "Failed to generate access token",
		})
		return
	}

	s.mu.Lock()
	refreshToken := s.storeRefreshTokenLocked(user.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"data":          map[string]string{"access_token": accessToken},
		"refresh_token": refreshToken,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hook, status := s.beforeRefresh, s.refreshStatus
	s.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}

	s.mu.Lock()
	rec := s.refresh[hashToken(req.RefreshToken)]
	reject := s.rejectRefresh
	live := rec != nil && rec.RevokedAt == nil && s.now().Before(rec.ExpiresAt)
	var user *User
	var farmID string
	if live {
		if user = s.userByID(rec.UserID); user != nil {
			farmID = user.SelectedFarmID
		}
	}
	s.mu.Unlock()

	if reject || user == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}

	accessToken, err := s.mintAccessToken(user, farmID, 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"access_token": accessToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	// Logout is idempotent: unknown or missing tokens still succeed
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RefreshToken != "" {
		s.mu.Lock()
		if rec := s.refresh[hashToken(req.RefreshToken)]; rec != nil && rec.RevokedAt == nil {
			now := s.now()
			rec.RevokedAt = &now
		}
		s.mu.Unlock()
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

func (s *Server) handleListFarms(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hook := s.beforeList
	s.mu.Unlock()
	if hook != nil {
		hook(r)
	}

	user := r.Context().Value(userKey).(*User)

	s.mu.Lock()
	farms := make([]Farm, 0, len(user.FarmIDs))
	for _, id := range user.FarmIDs {
		if f, ok := s.farms[id]; ok {
			farms = append(farms, f)
		}
	}
	autoSelect := user.AutoSelect
	selected := user.SelectedFarmID
	s.mu.Unlock()

	resp := map[string]any{
		"success":     true,
		"farms":       farms,
		"auto_select": autoSelect,
	}
	if selected != "" {
		resp["selected_farm_id"] = selected
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSelectFarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FarmID string `json:"farm_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request body",
		})
		return
	}

	user := r.Context().Value(userKey).(*User)

	s.mu.Lock()
	fail := s.failSelect
	member := false
	for _, id := range user.FarmIDs {
		if id == req.FarmID {
			member = true
			break
		}
	}
	if !fail && member {
		user.SelectedFarmID = req.FarmID
	}
	s.mu.Unlock()

	if fail || !member {
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}

	accessToken, err := s.mintAccessToken(user, req.FarmID, 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"access_token": accessToken,
	})
}

// requireAuth validates the bearer token and attaches the user to the context
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing or invalid authorization header",
			})
			return
		}

		user, err := s.validateAccessToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid or expired token",
			})
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCSRF rejects mutating requests without the configured anti-forgery token
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.csrfToken != "" && r.Header.Get("X-CSRF-Token") != s.csrfToken {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Invalid CSRF token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) mintAccessToken(user *User, farmID string, ttl time.Duration) (string, error) {
	now := s.now()
	if ttl == 0 {
		s.mu.Lock()
		ttl = s.accessTTL
		s.mu.Unlock()
	}

	claims := accessClaims{
		FarmID: farmID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) validateAccessToken(token string) (*User, error) {
	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, jwt.ErrTokenInvalidSubject
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[hashToken(token)] {
		return nil, jwt.ErrTokenInvalidId
	}
	user := s.userByID(id)
	if user == nil {
		return nil, jwt.ErrTokenInvalidSubject
	}
	return user, nil
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Ignore error - response already started
}
