// Package oauth manages the on-disk OAuth credentials used by the
// gemini-cli, qwen and zai backends. The credentials file is shared with
// the provider's own CLI tooling, so this package reads and rewrites its
// exact JSON shape rather than owning the token lifecycle.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prismproxy/prism/pkg/httpclient"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

// refreshMargin triggers a refresh when the token expires within it.
const refreshMargin = 30 * time.Second

// Credentials mirrors the provider CLI's oauth_creds.json. ExpiryDate is
// epoch milliseconds.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiryDate   int64  `json:"expiry_date"`
	ResourceURL  string `json:"resource_url,omitempty"`
}

// Expired reports whether the token is past (or within refreshMargin of)
// its expiry at now.
func (c *Credentials) Expired(now time.Time) bool {
	expiry := time.UnixMilli(c.ExpiryDate)
	return !now.Add(refreshMargin).Before(expiry)
}

// Manager loads, refreshes and persists one credentials file. The mutex
// serialises refreshes within this process; cross-process safety relies on
// the atomic rename in save.
type Manager struct {
	mu       sync.Mutex
	path     string
	tokenURL string
	clientID string
	client   *httpclient.Client
	logger   *slog.Logger

	creds *Credentials
}

func NewManager(path, tokenURL, clientID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		path:     expandHome(path),
		tokenURL: tokenURL,
		clientID: clientID,
		client:   httpclient.New(httpclient.WithTimeout(30 * time.Second)),
		logger:   logger,
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Token returns a valid access token, refreshing and persisting when the
// cached one is expired or missing.
func (m *Manager) Token(ctx context.Context) (string, error) {
	creds, err := m.Credentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// Credentials returns the current credentials, valid for at least
// refreshMargin.
func (m *Manager) Credentials(ctx context.Context) (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.creds == nil {
		creds, err := m.load()
		if err != nil {
			return nil, err
		}
		m.creds = creds
	}

	if m.creds.Expired(time.Now()) {
		if err := m.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}

	out := *m.creds
	return &out, nil
}

// Reload drops the cached credentials so the next use re-reads the file.
// Used when an external tool rewrote it.
func (m *Manager) Reload() {
	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()
}

func (m *Manager) load() (*Credentials, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindAuthentication, err,
			"oauth credentials unreadable at %s", m.path)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindAuthentication, err,
			"oauth credentials malformed at %s", m.path)
	}
	if creds.RefreshToken == "" && creds.AccessToken == "" {
		return nil, proxyerror.New(proxyerror.KindAuthentication, "missing_token",
			"oauth credentials at %s carry no tokens", m.path)
	}
	return &creds, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	ResourceURL  string `json:"resource_url,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	if m.creds.RefreshToken == "" {
		return proxyerror.New(proxyerror.KindAuthentication, "missing_refresh_token",
			"oauth token expired and no refresh token is available")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.creds.RefreshToken},
	}
	if m.clientID != "" {
		form.Set("client_id", m.clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return proxyerror.Wrap(proxyerror.KindInternal, err, "building refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	// The client returns non-2xx responses alongside an error; the status
	// check below owns those, so only a missing response is fatal here.
	resp, err := m.client.Do(req)
	if resp == nil {
		return proxyerror.Wrap(proxyerror.KindAuthentication, err, "oauth refresh failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return proxyerror.Wrap(proxyerror.KindAuthentication, err, "reading refresh response")
	}
	if resp.StatusCode != http.StatusOK {
		return proxyerror.New(proxyerror.KindAuthentication, "refresh_rejected",
			"oauth refresh returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return proxyerror.Wrap(proxyerror.KindAuthentication, err, "parsing refresh response")
	}
	if token.Error != "" {
		return proxyerror.New(proxyerror.KindAuthentication, token.Error,
			"oauth refresh rejected: %s", token.ErrorDesc)
	}

	m.creds.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		m.creds.RefreshToken = token.RefreshToken
	}
	if token.TokenType != "" {
		m.creds.TokenType = token.TokenType
	}
	if token.ResourceURL != "" {
		m.creds.ResourceURL = token.ResourceURL
	}
	m.creds.ExpiryDate = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).UnixMilli()

	if err := m.save(); err != nil {
		return err
	}
	m.logger.Info("oauth token refreshed",
		"path", m.path,
		"expires", time.UnixMilli(m.creds.ExpiryDate).Format(time.RFC3339))
	return nil
}

// save writes the credentials atomically: temp file in the same directory,
// then rename. A concurrent reader sees the old or the new file, never a
// torn one.
func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.creds, "", "  ")
	if err != nil {
		return proxyerror.Wrap(proxyerror.KindInternal, err, "serialising credentials")
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".oauth_creds_*.json")
	if err != nil {
		return proxyerror.Wrap(proxyerror.KindInternal, err, "creating temp credentials file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return proxyerror.Wrap(proxyerror.KindInternal, err, "writing credentials")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return proxyerror.Wrap(proxyerror.KindInternal, err, "setting credentials mode")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return proxyerror.Wrap(proxyerror.KindInternal, err, "closing credentials file")
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return proxyerror.Wrap(proxyerror.KindInternal, err, "replacing credentials file")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// WriteCredentials persists creds to path using the same atomic scheme,
// for tests and provisioning tools.
func WriteCredentials(path string, creds *Credentials) error {
	m := &Manager{path: expandHome(path), creds: creds}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("creating credentials dir: %w", err)
	}
	return m.save()
}
