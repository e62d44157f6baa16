package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	gosync "sync"
	"time"

	"github.com/rohanthewiz/serr"

	"navigator/models"
)

// Transport speaks the hub's HTTP API on behalf of the sync client. It
// holds the JWT and transparently re-authenticates once on a 401, the way
// a long-lived device session sees its weekly token lapse mid-round.
type Transport struct {
	baseURL  string
	username string
	password string

	mu    gosync.Mutex
	token string

	httpClient *http.Client
}

// NewTransport builds a transport for one upstream hub.
func NewTransport(cfg Config) *Transport {
	return &Transport{
		baseURL:    cfg.UpstreamURL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type loginResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Token string `json:"token"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// Login authenticates against the hub and caches the token.
func (t *Transport) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": t.username,
		"password": t.password,
	})
	if err != nil {
		return serr.Wrap(err, "failed to marshal login request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return serr.Wrap(err, "failed to build login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return serr.Wrap(err, "login request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return serr.Wrap(err, "failed to read login response")
	}
	if resp.StatusCode != http.StatusOK {
		return serr.New(fmt.Sprintf("login rejected with status %d", resp.StatusCode))
	}

	var lr loginResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return serr.Wrap(err, "failed to parse login response")
	}
	if !lr.Success || lr.Data.Token == "" {
		return serr.New("login failed: " + lr.Error)
	}

	t.mu.Lock()
	t.token = lr.Data.Token
	t.mu.Unlock()
	return nil
}

// doAuthenticatedRequest performs one API call, logging in first if no
// token is held and retrying exactly once after a 401.
func (t *Transport) doAuthenticatedRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	t.mu.Lock()
	token := t.token
	t.mu.Unlock()

	if token == "" {
		if err := t.Login(ctx); err != nil {
			return nil, err
		}
		t.mu.Lock()
		token = t.token
		t.mu.Unlock()
	}

	do := func(tok string) (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
		if err != nil {
			return nil, serr.Wrap(err, "failed to build request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		return t.httpClient.Do(req)
	}

	resp, err := do(token)
	if err != nil {
		return nil, serr.Wrap(err, "request failed")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Token expired upstream; refresh and retry once.
	resp.Body.Close()
	if err := t.Login(ctx); err != nil {
		return nil, serr.Wrap(err, "re-authentication failed")
	}
	t.mu.Lock()
	token = t.token
	t.mu.Unlock()

	resp, err = do(token)
	if err != nil {
		return nil, serr.Wrap(err, "request failed after re-authentication")
	}
	return resp, nil
}

type applyOpsEnvelope struct {
	Success bool                  `json:"success"`
	Data    models.ApplyOpsResult `json:"data"`
	Error   string                `json:"error,omitempty"`
}

// PushOperations submits a batch to the hub's apply procedure. Transport
// failures return ok:false with a retry hint instead of an error verdict,
// so the caller backs off and resubmits the identical batch.
func (t *Transport) PushOperations(ctx context.Context, ops []models.WireOperation) (models.ApplyOpsResult, error) {
	body, err := json.Marshal(map[string]any{"operations": ops})
	if err != nil {
		return models.ApplyOpsResult{}, serr.Wrap(err, "failed to marshal operations batch")
	}

	resp, err := t.doAuthenticatedRequest(ctx, http.MethodPost, "/api/sync/operations", body)
	if err != nil {
		return models.ApplyOpsResult{OK: false, RetryAfterMs: 5000}, serr.Wrap(err, "push failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ApplyOpsResult{OK: false, RetryAfterMs: 5000}, serr.Wrap(err, "failed to read push response")
	}
	if resp.StatusCode != http.StatusOK {
		return models.ApplyOpsResult{OK: false, RetryAfterMs: 5000},
			serr.New(fmt.Sprintf("push rejected with status %d", resp.StatusCode))
	}

	var env applyOpsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.ApplyOpsResult{OK: false, RetryAfterMs: 5000}, serr.Wrap(err, "failed to parse push response")
	}
	if !env.Success {
		return models.ApplyOpsResult{OK: false, RetryAfterMs: 5000}, serr.New("push failed: " + env.Error)
	}
	return env.Data, nil
}

type snapshotEnvelope struct {
	Success bool            `json:"success"`
	Data    models.Snapshot `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// FetchSnapshot pulls the hub's full authoritative state.
func (t *Transport) FetchSnapshot(ctx context.Context) (*models.Snapshot, error) {
	resp, err := t.doAuthenticatedRequest(ctx, http.MethodGet, "/api/sync/snapshot", nil)
	if err != nil {
		return nil, serr.Wrap(err, "snapshot fetch failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, serr.Wrap(err, "failed to read snapshot response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, serr.New(fmt.Sprintf("snapshot fetch rejected with status %d", resp.StatusCode))
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, serr.Wrap(err, "failed to parse snapshot response")
	}
	if !env.Success {
		return nil, serr.New("snapshot fetch failed: " + env.Error)
	}
	return &env.Data, nil
}

type checksumEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		Checksum string `json:"checksum"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// FetchChecksum retrieves just the hub's state checksum, a cheap
// convergence probe before deciding to pull a full snapshot.
func (t *Transport) FetchChecksum(ctx context.Context) (string, error) {
	resp, err := t.doAuthenticatedRequest(ctx, http.MethodGet, "/api/sync/status", nil)
	if err != nil {
		return "", serr.Wrap(err, "checksum fetch failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", serr.Wrap(err, "failed to read checksum response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", serr.New(fmt.Sprintf("checksum fetch rejected with status %d", resp.StatusCode))
	}

	var env checksumEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", serr.Wrap(err, "failed to parse checksum response")
	}
	if !env.Success {
		return "", serr.New("checksum fetch failed: " + env.Error)
	}
	return env.Data.Checksum, nil
}
