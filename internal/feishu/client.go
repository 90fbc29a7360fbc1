package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the Feishu Open API host.
	DefaultBaseURL = "https://open.feishu.cn"
	defaultTimeout = 20 * time.Second
	maxRespBytes   = 1 << 20
)

// APIError is a failed Open API call: either a non-2xx status or a body
// whose code is not 0.
type APIError struct {
	Op     string
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu %s: status %d, code %d: %s", e.Op, e.Status, e.Code, e.Msg)
}

// envelope is the common response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client calls the messaging and table endpoints on behalf of the app. It
// fetches credentials from its TokenProvider for every call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenProvider
}

// NewClient creates a client for the app identified by appID/appSecret.
func NewClient(appID, appSecret string) *Client {
	return NewClientWithBaseURL(appID, appSecret, DefaultBaseURL)
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(appID, appSecret, baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	hc := &http.Client{Timeout: defaultTimeout}
	return &Client{
		baseURL:    baseURL,
		httpClient: hc,
		tokens:     NewTokenProvider(appID, appSecret, baseURL, hc),
	}
}

// Tokens exposes the credential provider so other components (the
// attachment resolver) can share the cached token.
func (c *Client) Tokens() *TokenProvider { return c.tokens }

// UploadImage uploads a PNG as a message image and returns its image_key.
func (c *Client) UploadImage(ctx context.Context, png []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("image_type", "message"); err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="card.png"`)
	h.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("creating form part: %w", err)
	}
	if _, err := part.Write(png); err != nil {
		return "", fmt.Errorf("writing image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	var out struct {
		ImageKey string `json:"image_key"`
	}
	if err := c.call(ctx, "upload image", http.MethodPost, "/open-apis/im/v1/images", mw.FormDataContentType(), &body, &out); err != nil {
		return "", err
	}
	if out.ImageKey == "" {
		return "", &APIError{Op: "upload image", Status: http.StatusOK, Msg: "empty image_key"}
	}
	return out.ImageKey, nil
}

// LookupOpenID resolves a user by email or mobile. It returns "" without an
// error when the user is unknown.
func (c *Client) LookupOpenID(ctx context.Context, email, mobile string) (string, error) {
	if email == "" && mobile == "" {
		return "", nil
	}
	req := map[string][]string{}
	if email != "" {
		req["emails"] = []string{email}
	}
	if mobile != "" {
		req["mobiles"] = []string{mobile}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling lookup: %w", err)
	}

	var out struct {
		UserList []struct {
			UserID string `json:"user_id"`
			OpenID string `json:"open_id"`
		} `json:"user_list"`
	}
	if err := c.call(ctx, "lookup user", http.MethodPost, "/open-apis/contact/v3/users/batch_get_id?user_id_type=open_id",
		"application/json; charset=utf-8", bytes.NewReader(payload), &out); err != nil {
		return "", err
	}
	for _, u := range out.UserList {
		if u.UserID != "" {
			return u.UserID, nil
		}
		if u.OpenID != "" {
			return u.OpenID, nil
		}
	}
	return "", nil
}

// SendImage sends an image message to a user.
func (c *Client) SendImage(ctx context.Context, openID, imageKey string) error {
	content, err := json.Marshal(map[string]string{"image_key": imageKey})
	if err != nil {
		return fmt.Errorf("marshaling content: %w", err)
	}
	payload, err := json.Marshal(map[string]string{
		"receive_id": openID,
		"msg_type":   "image",
		"content":    string(content),
	})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return c.call(ctx, "send message", http.MethodPost, "/open-apis/im/v1/messages?receive_id_type=open_id",
		"application/json; charset=utf-8", bytes.NewReader(payload), nil)
}

// UpdateRecord writes fields into an existing table record.
func (c *Client) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]any) error {
	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s",
		url.PathEscape(appToken), url.PathEscape(tableID), url.PathEscape(recordID))
	return c.call(ctx, "update record", http.MethodPut, path, "application/json; charset=utf-8", bytes.NewReader(payload), nil)
}

// call performs one authenticated request and decodes data into out.
func (c *Client) call(ctx context.Context, op, method, path, contentType string, body io.Reader, out any) error {
	cred, err := c.tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("feishu %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("feishu %s: executing request: %w", op, err)
	}
	defer resp.Body.Close()
	return decodeEnvelope(op, resp, out)
}

func decodeEnvelope(op string, resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRespBytes))
	if err != nil {
		return fmt.Errorf("feishu %s: reading response: %w", op, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &APIError{Op: op, Status: resp.StatusCode, Code: -1, Msg: msg}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || env.Code != 0 {
		return &APIError{Op: op, Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("feishu %s: decoding data: %w", op, err)
		}
	}
	return nil
}
