// Package oauth implements the Gmail OAuth2 device and loopback-browser
// flows and persists the resulting token to disk for reuse across runs.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

// Scopes grants everything the migration needs: label management plus raw
// message import/insert. gmail.modify is broader than strictly necessary
// but is the narrowest published scope that covers both write endpoints.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.labels",
	"https://www.googleapis.com/auth/gmail.insert",
	"https://www.googleapis.com/auth/gmail.modify",
}

// Manager handles OAuth2 token acquisition and storage for one Gmail
// account at a time.
type Manager struct {
	config    *oauth2.Config
	tokensDir string
	logger    *slog.Logger
}

// NewManager creates an OAuth manager from a downloaded client-secrets JSON
// file (the credentials.json produced by the Google Cloud console).
func NewManager(clientSecretsPath, tokensDir string, logger *slog.Logger) (*Manager, error) {
	data, err := os.ReadFile(clientSecretsPath)
	if err != nil {
		return nil, migerr.New(migerr.ConfigInvalid, fmt.Errorf("oauth: read client secrets %s: %w", clientSecretsPath, err))
	}

	config, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, migerr.New(migerr.ConfigInvalid, fmt.Errorf("oauth: parse client secrets: %w", err))
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{config: config, tokensDir: tokensDir, logger: logger}, nil
}

// TokenSource returns a token source for the given account email. If a
// stored token exists it is reused and auto-refreshed; a refreshed token is
// persisted back to disk so the next run doesn't need the refresh again.
func (m *Manager) TokenSource(ctx context.Context, email string) (oauth2.TokenSource, error) {
	token, err := m.loadToken(email)
	if err != nil {
		return nil, migerr.New(migerr.AuthFailed, fmt.Errorf("oauth: no valid token for %s: %w", email, err))
	}

	ts := m.config.TokenSource(ctx, token)

	newToken, err := ts.Token()
	if err != nil {
		return nil, migerr.New(migerr.AuthFailed, fmt.Errorf("oauth: refresh token for %s: %w", email, err))
	}

	if newToken.AccessToken != token.AccessToken {
		if err := m.saveToken(email, newToken); err != nil {
			m.logger.Warn("failed to persist refreshed token", "email", email, "error", err)
		}
	}

	return ts, nil
}

// HasToken reports whether a usable token is already stored for email.
func (m *Manager) HasToken(email string) bool {
	_, err := m.loadToken(email)
	return err == nil
}

// Authorize runs the OAuth flow for a new account and persists the result.
// headless selects the device-code flow (no local browser/listener
// required) over the loopback browser flow.
func (m *Manager) Authorize(ctx context.Context, email string, headless bool) error {
	var (
		token *oauth2.Token
		err   error
	)

	if headless {
		token, err = m.deviceFlow(ctx)
	} else {
		token, err = m.browserFlow(ctx)
	}
	if err != nil {
		return migerr.New(migerr.AuthFailed, err)
	}

	return m.saveToken(email, token)
}

// browserFlow opens a local browser and a loopback HTTP listener to catch
// the OAuth redirect.
func (m *Manager) browserFlow(ctx context.Context) (*oauth2.Token, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	server := &http.Server{Addr: "localhost:8089", Handler: mux}

	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			errChan <- fmt.Errorf("state mismatch: possible CSRF attack")
			fmt.Fprint(w, "Error: state mismatch")
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			errChan <- fmt.Errorf("no code in callback")
			fmt.Fprint(w, "Error: no authorization code received")
			return
		}
		codeChan <- code
		fmt.Fprint(w, "Authorization successful! You can close this window.")
	})

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	defer func() { _ = server.Shutdown(ctx) }()

	m.config.RedirectURL = "http://localhost:8089/callback"
	authURL := m.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Printf("Opening browser for authorization...\n")
	fmt.Printf("If the browser doesn't open, visit:\n%s\n\n", authURL)
	if err := openBrowser(authURL); err != nil {
		m.logger.Warn("failed to open browser", "error", err)
	}

	select {
	case code := <-codeChan:
		return m.config.Exchange(ctx, code)
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deviceFlow uses the OAuth device authorization grant, for environments
// with no local browser (headless servers, containers).
func (m *Manager) deviceFlow(ctx context.Context) (*oauth2.Token, error) {
	const deviceEndpoint = "https://oauth2.googleapis.com/device/code"

	resp, err := http.PostForm(deviceEndpoint, map[string][]string{
		"client_id": {m.config.ClientID},
		"scope":     {strings.Join(Scopes, " ")},
	})
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	defer resp.Body.Close()

	var deviceResp struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURL string `json:"verification_url"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&deviceResp); err != nil {
		return nil, fmt.Errorf("parse device response: %w", err)
	}

	fmt.Printf("\nTo authorize, visit:\n  %s\n\n", deviceResp.VerificationURL)
	fmt.Printf("And enter code: %s\n\n", deviceResp.UserCode)
	fmt.Printf("Waiting for authorization...\n")

	interval := time.Duration(deviceResp.Interval) * time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(deviceResp.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		token, err := m.pollForToken(ctx, deviceResp.DeviceCode)
		if err == nil {
			fmt.Printf("Authorization successful!\n")
			return token, nil
		}
		if errStr := err.Error(); errStr == "oauth error: authorization_pending" || errStr == "oauth error: slow_down" {
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("authorization timed out")
}

func (m *Manager) pollForToken(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	resp, err := http.PostForm("https://oauth2.googleapis.com/token", map[string][]string{
		"client_id":     {m.config.ClientID},
		"client_secret": {m.config.ClientSecret},
		"device_code":   {deviceCode},
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		TokenType    string `json:"token_type"`
		Error        string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, err
	}
	if tokenResp.Error != "" {
		return nil, fmt.Errorf("oauth error: %s", tokenResp.Error)
	}

	return &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		Expiry:       time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

func (m *Manager) loadToken(email string) (*oauth2.Token, error) {
	data, err := os.ReadFile(m.tokenPath(email))
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (m *Manager) saveToken(email string, token *oauth2.Token) error {
	if err := os.MkdirAll(m.tokensDir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.tokenPath(email), data, 0600)
}

// DeleteToken removes the stored token for email, if any.
func (m *Manager) DeleteToken(email string) error {
	err := os.Remove(m.tokenPath(email))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// TokenPath returns the on-disk path for email's token file.
func (m *Manager) TokenPath(email string) string {
	return m.tokenPath(email)
}

// tokenPath sanitizes email into a filename confined to tokensDir, falling
// back to a content hash if sanitization somehow still escapes the
// directory.
func (m *Manager) tokenPath(email string) string {
	safe := strings.ReplaceAll(email, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")

	path := filepath.Clean(filepath.Join(m.tokensDir, safe+".json"))
	if !strings.HasPrefix(path, filepath.Clean(m.tokensDir)) {
		return filepath.Join(m.tokensDir, fmt.Sprintf("%x.json", sha256.Sum256([]byte(email))))
	}
	return path
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
