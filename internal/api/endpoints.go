package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrRefreshRejected is returned when the server declines a refresh token
var ErrRefreshRejected = errors.New("refresh token rejected")

// ErrSelectRejected is returned when the server declines a farm selection
var ErrSelectRejected = errors.New("farm selection rejected")

var validate = validator.New()

// LoginRequest represents the login request body
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Data struct {
		AccessToken string `json:"access_token" validate:"required"`
	} `json:"data"`
	RefreshToken string `json:"refresh_token"`
}

// TokenRequest carries a refresh token
type TokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse is returned by refresh and farm selection
type TokenResponse struct {
	Success     bool   `json:"success"`
	AccessToken string `json:"access_token"`
}

// Farm is a tenant as the server describes it
type Farm struct {
	ID        string `json:"id" validate:"required"`
	CompanyID string `json:"company_id"`
	Logo      string `json:"logo"`
	Name      string `json:"name"`
	Language  string `json:"language"`
}

// FarmList is the response of the farm listing endpoint
type FarmList struct {
	Success        bool   `json:"success"`
	Farms          []Farm `json:"farms" validate:"dive"`
	AutoSelect     bool   `json:"auto_select"`
	SelectedFarmID string `json:"selected_farm_id,omitempty"`
}

// SelectFarmRequest represents the farm selection request body
type SelectFarmRequest struct {
	FarmID string `json:"farm_id"`
}

// AuthAPI calls the unauthenticated session endpoints. It deliberately goes
// through the bare client so a failing refresh can never recurse into the
// interceptor.
type AuthAPI struct {
	client *Client
}

// NewAuthAPI creates the session endpoint wrapper
func NewAuthAPI(client *Client) *AuthAPI {
	return &AuthAPI{client: client}
}

// Login exchanges credentials for a token pair
func (a *AuthAPI) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var out LoginResponse
	if err := a.post(ctx, "/auth/login", LoginRequest{Email: email, Password: password}, &out); err != nil {
		return nil, err
	}
	if err := validate.Struct(out); err != nil {
		return nil, fmt.Errorf("malformed login response: %w", err)
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new access token
func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var out TokenResponse
	if err := a.post(ctx, "/auth/refresh", TokenRequest{RefreshToken: refreshToken}, &out); err != nil {
		return "", err
	}
	if !out.Success || out.AccessToken == "" {
		return "", ErrRefreshRejected
	}
	return out.AccessToken, nil
}

// Logout asks the server to invalidate refreshToken
func (a *AuthAPI) Logout(ctx context.Context, refreshToken string) error {
	return a.post(ctx, "/auth/logout", TokenRequest{RefreshToken: refreshToken}, nil)
}

func (a *AuthAPI) post(ctx context.Context, path string, in, out any) error {
	req, err := newJSONRequest(ctx, http.MethodPost, a.client.baseURL+path, in)
	if err != nil {
		return err
	}

	resp, err := a.client.retryableRequest(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeJSON(resp, out)
}

// FarmAPI calls the farm endpoints through an authenticated client
type FarmAPI struct {
	client *AuthenticatedClient
}

// NewFarmAPI creates the farm endpoint wrapper. client must be bound to "/farms".
func NewFarmAPI(client *AuthenticatedClient) *FarmAPI {
	return &FarmAPI{client: client}
}

// ListFarms returns the farms available to the signed-in user
func (f *FarmAPI) ListFarms(ctx context.Context) (*FarmList, error) {
	var out FarmList
	if err := f.client.DoJSON(ctx, http.MethodGet, "user", nil, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, errors.New("farm listing was not successful")
	}
	if err := validate.Struct(out); err != nil {
		return nil, fmt.Errorf("malformed farm list: %w", err)
	}
	return &out, nil
}

// SelectFarm selects farmID and returns the farm scoped access token
func (f *FarmAPI) SelectFarm(ctx context.Context, farmID string) (string, error) {
	var out TokenResponse
	if err := f.client.DoJSON(ctx, http.MethodPost, "select", SelectFarmRequest{FarmID: farmID}, &out); err != nil {
		return "", err
	}
	if !out.Success || out.AccessToken == "" {
		return "", ErrSelectRejected
	}
	return out.AccessToken, nil
}
