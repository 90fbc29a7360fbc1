package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// RefreshMargin is how long before expiry a cached token is replaced.
const RefreshMargin = 5 * time.Minute

// ErrNoCredentials is returned when the app id or secret is not configured.
var ErrNoCredentials = errors.New("feishu app credentials not configured")

// Credential is an immutable tenant access token snapshot.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

func (c *Credential) fresh(now time.Time) bool {
	return c != nil && c.Token != "" && now.Add(RefreshMargin).Before(c.ExpiresAt)
}

// TokenProvider hands out the tenant access token, refreshing it shortly
// before it expires. Concurrent refreshes collapse into one request.
type TokenProvider struct {
	appID      string
	appSecret  string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	current atomic.Pointer[Credential]
	group   singleflight.Group
}

// NewTokenProvider creates a provider for the given app.
func NewTokenProvider(appID, appSecret, baseURL string, hc *http.Client) *TokenProvider {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &TokenProvider{
		appID:      appID,
		appSecret:  appSecret,
		baseURL:    baseURL,
		httpClient: hc,
		now:        time.Now,
	}
}

// Configured reports whether app credentials are present.
func (p *TokenProvider) Configured() bool {
	return p.appID != "" && p.appSecret != ""
}

// Get returns a valid credential.
func (p *TokenProvider) Get(ctx context.Context) (Credential, error) {
	if !p.Configured() {
		return Credential{}, ErrNoCredentials
	}
	if c := p.current.Load(); c.fresh(p.now()) {
		return *c, nil
	}
	v, err, _ := p.group.Do("tenant", func() (any, error) {
		if c := p.current.Load(); c.fresh(p.now()) {
			return c, nil
		}
		c, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.current.Store(c)
		return c, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return *v.(*Credential), nil
}

func (p *TokenProvider) fetch(ctx context.Context) (*Credential, error) {
	payload, err := json.Marshal(map[string]string{"app_id": p.appID, "app_secret": p.appSecret})
	if err != nil {
		return nil, fmt.Errorf("marshaling token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting tenant token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRespBytes))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	// This endpoint returns its fields at the top level, not under data.
	var body struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int    `json:"expire"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &APIError{Op: "tenant token", Status: resp.StatusCode, Code: -1, Msg: "malformed response"}
	}
	if resp.StatusCode != http.StatusOK || body.Code != 0 || body.Token == "" {
		return nil, &APIError{Op: "tenant token", Status: resp.StatusCode, Code: body.Code, Msg: body.Msg}
	}
	return &Credential{
		Token:     body.Token,
		ExpiresAt: p.now().Add(time.Duration(body.Expire) * time.Second),
	}, nil
}
