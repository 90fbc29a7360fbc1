package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/VecSil/feishu-card-bot/internal/config"
	"github.com/VecSil/feishu-card-bot/internal/storage"
)

// apiClient talks to the management routes of a running server.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.APIToken == "" {
		return nil, fmt.Errorf("server.api_token is not set; set CARDBOT_SERVER_API_TOKEN to use management commands")
	}
	return &apiClient{
		baseURL:    localURL(cfg),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is cardbot running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) listCards(ctx context.Context, query string) ([]storage.Card, error) {
	resp, err := c.get(ctx, "/cards"+query)
	if err != nil {
		return nil, err
	}
	var cards []storage.Card
	if err := decodeJSON(resp, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

func (c *apiClient) getCard(ctx context.Context, id string) (storage.Card, error) {
	resp, err := c.get(ctx, "/cards/"+id)
	if err != nil {
		return storage.Card{}, err
	}
	var card storage.Card
	err = decodeJSON(resp, &card)
	return card, err
}

// countCards reads the render log size from the X-Total-Count header.
func (c *apiClient) countCards(ctx context.Context) (int, error) {
	resp, err := c.get(ctx, "/cards?limit=1")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, responseError(resp)
	}
	n, err := strconv.Atoi(resp.Header.Get("X-Total-Count"))
	if err != nil {
		return 0, fmt.Errorf("server did not report a card count")
	}
	return n, nil
}

// download copies a successful response body to w.
func (c *apiClient) download(ctx context.Context, path string, w io.Writer) (int64, error) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, responseError(resp)
	}
	return io.Copy(w, resp.Body)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func responseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
