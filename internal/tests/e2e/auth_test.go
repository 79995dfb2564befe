//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/rxops/apiserver/config"
	"github.com/rxops/apiserver/internal/server"
)

const (
	serverPort = 18080
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	if err := dockerCompose(ctx, root, "up", "-d"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := startServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown()
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown()
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

type sessionResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID       int64  `json:"id"`
		TenantID int64  `json:"tenant_id"`
		Email    string `json:"email"`
		Role     string `json:"role"`
	} `json:"user"`
}

type errorResponse struct {
	Error             string `json:"error"`
	RemainingAttempts *int   `json:"remaining_attempts"`
}

func TestRegistrationAndSession(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	email := fmt.Sprintf("owner_%d@example.com", time.Now().UnixNano())
	password := "Sup3rsecret"

	session, err := registerOwner(t, baseURL, email, password)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if session.User.Role != "super_admin" {
		t.Fatalf("expected super_admin role, got %q", session.User.Role)
	}
	if session.User.TenantID == 0 {
		t.Fatalf("expected tenant to be provisioned")
	}

	// Fresh profile read with the access token.
	me, status, err := whoAmI(t, baseURL, session.AccessToken)
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("whoami status %d", status)
	}
	if me.User.Email != email {
		t.Fatalf("unexpected whoami email %q", me.User.Email)
	}

	// Rotation: the old refresh token must be dead after one use.
	rotated, status, err := refresh(t, baseURL, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("refresh status %d", status)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatalf("expected refresh token to rotate")
	}
	if _, status, _ = refresh(t, baseURL, session.RefreshToken); status != http.StatusUnauthorized {
		t.Fatalf("expected replayed refresh token to be rejected, got %d", status)
	}

	// Logout kills the current refresh token.
	if err := logout(t, baseURL, rotated.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, status, _ = refresh(t, baseURL, rotated.RefreshToken); status != http.StatusUnauthorized {
		t.Fatalf("expected refresh after logout to be rejected, got %d", status)
	}
}

func TestLoginLockout(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	email := fmt.Sprintf("lockme_%d@example.com", time.Now().UnixNano())
	password := "Sup3rsecret"

	if _, err := registerOwner(t, baseURL, email, password); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 1; i <= 4; i++ {
		_, status, body := login(t, baseURL, email, "Wr0ngpassword")
		if status != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, status)
		}
		if body.RemainingAttempts == nil || *body.RemainingAttempts != 5-i {
			t.Fatalf("attempt %d: unexpected remaining attempts %+v", i, body.RemainingAttempts)
		}
	}

	// Fifth failure trips the lockout.
	if _, status, _ := login(t, baseURL, email, "Wr0ngpassword"); status != http.StatusLocked {
		t.Fatalf("expected lockout on fifth failure, got %d", status)
	}

	// The correct password cannot punch through a lock.
	if _, status, _ := login(t, baseURL, email, password); status != http.StatusLocked {
		t.Fatalf("expected locked account to reject correct password, got %d", status)
	}
}

func registerOwner(t *testing.T, baseURL, email, password string) (sessionResponse, error) {
	t.Helper()

	payload := map[string]string{
		"name":         "Test Owner",
		"email":        email,
		"password":     password,
		"organization": "Test Pharmacy",
		"country":      "US",
		"currency":     "USD",
	}
	resp, err := postJSON(baseURL+"/auth/register", payload, "")
	if err != nil {
		return sessionResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return sessionResponse{}, fmt.Errorf("register status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return sessionResponse{}, err
	}
	if parsed.AccessToken == "" || parsed.RefreshToken == "" {
		return sessionResponse{}, fmt.Errorf("missing tokens in register response")
	}
	return parsed, nil
}

func login(t *testing.T, baseURL, email, password string) (sessionResponse, int, errorResponse) {
	t.Helper()

	resp, err := postJSON(baseURL+"/auth/login", map[string]string{"email": email, "password": password}, "")
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var parsed sessionResponse
		_ = json.NewDecoder(resp.Body).Decode(&parsed)
		return parsed, resp.StatusCode, errorResponse{}
	}
	var failure errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&failure)
	return sessionResponse{}, resp.StatusCode, failure
}

func refresh(t *testing.T, baseURL, token string) (sessionResponse, int, error) {
	t.Helper()

	resp, err := postJSON(baseURL+"/auth/refresh", map[string]string{"refresh_token": token}, "")
	if err != nil {
		return sessionResponse{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return sessionResponse{}, resp.StatusCode, nil
	}
	var parsed sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return sessionResponse{}, resp.StatusCode, err
	}
	return parsed, resp.StatusCode, nil
}

type meResponse struct {
	User struct {
		Email string `json:"email"`
	} `json:"user"`
	Tenant struct {
		Name string `json:"name"`
	} `json:"tenant"`
}

func whoAmI(t *testing.T, baseURL, accessToken string) (meResponse, int, error) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, baseURL+"/auth/me", nil)
	if err != nil {
		return meResponse{}, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return meResponse{}, 0, err
	}
	defer resp.Body.Close()

	var parsed meResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return meResponse{}, resp.StatusCode, err
		}
	}
	return parsed, resp.StatusCode, nil
}

func logout(t *testing.T, baseURL, accessToken string) error {
	t.Helper()

	resp, err := postJSON(baseURL+"/auth/logout", map[string]string{}, accessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("logout status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func postJSON(url string, payload any, accessToken string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return http.DefaultClient.Do(req)
}

func waitForPostgres(ctx context.Context) error {
	cfg := config.LoadConfig()
	dsn := buildDatabaseURL(cfg)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string) error {
	cfg := config.LoadConfig()
	dsn := buildDatabaseURL(cfg)
	migrationsPath := filepath.Join(root, "internal", "db", "migrations")
	migrationsURL := "file://" + migrationsPath

	migrator, err := migrate.New(migrationsURL, dsn)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func buildDatabaseURL(cfg config.Config) string {
	sslmode := "disable"
	if cfg.Database.UseSSL {
		sslmode = "require"
	}
	host := fmt.Sprintf("%s:%d", cfg.Database.Host, cfg.Database.Port)
	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		host,
		cfg.Database.DBName,
		sslmode,
	)
}

func startServer() (*server.Server, error) {
	_ = os.Setenv("JWT_SECRET", "test-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "rxops")
	_ = os.Setenv("DB_PASSWORD", "rxops")
	_ = os.Setenv("DB_NAME", "rxops")
	_ = os.Setenv("DB_USE_SSL", "false")

	cfg := config.LoadConfig()
	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
