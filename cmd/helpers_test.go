package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/mark-chris/farmdesk/internal/config"
	"github.com/mark-chris/farmdesk/internal/fakebackend"
	"github.com/mark-chris/farmdesk/internal/tokenstore"
)

const (
	testEmail    = "farmer@example.com"
	testPassword = "password123"
)

// setupTestConfig points HOME at a temp dir and writes a config for serverURL
func setupTestConfig(t *testing.T, serverURL string) string {
	t.Helper()
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configDir := filepath.Join(tempHome, ".farmdesk")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}

	configYAML := `server:
  url: ` + serverURL + `
store:
  backend: keyring
session:
  request_timeout: 5s
logging:
  level: error
`
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return tempHome
}

// useMemoryStore replaces the credential store for the duration of the test
func useMemoryStore(t *testing.T) *tokenstore.MemoryBackend {
	t.Helper()
	mem := tokenstore.NewMemoryBackend()
	orig := storeFactory
	storeFactory = func(*config.Config) tokenstore.Backend { return mem }
	t.Cleanup(func() { storeFactory = orig })
	return mem
}

// startBackend runs a fake backend with one user belonging to farmIDs
func startBackend(t *testing.T, farmIDs ...string) (*fakebackend.Server, *httptest.Server) {
	t.Helper()
	backend := fakebackend.New()
	for _, id := range farmIDs {
		backend.AddFarm(fakebackend.Farm{ID: id, Name: "Farm " + id})
	}
	if _, err := backend.AddUser(testEmail, testPassword, farmIDs...); err != nil {
		t.Fatalf("failed to add user: %v", err)
	}
	server := backend.Start()
	t.Cleanup(server.Close)
	return backend, server
}

// execute runs args against a fresh root carrying sub
func execute(t *testing.T, sub *cobra.Command, args ...string) (string, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "farmdesk"}
	cmd.AddCommand(sub)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
