// Package client talks to a pagedrop server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

func New(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 5 * time.Minute},
	}
}

type Account struct {
	Username  string    `json:"username"`
	Quota     int64     `json:"quota"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

type UploadResult struct {
	URL   string   `json:"url"`
	Quota int64    `json:"quota"`
	Site  string   `json:"site"`
	Entry string   `json:"entry"`
	Files []string `json:"files"`
	State string   `json:"state"`
}

type RedeemResult struct {
	Quota int64 `json:"quota"`
	Slots int   `json:"slots"`
}

type Site struct {
	Name      string     `json:"site_name"`
	FileCount int        `json:"file_count"`
	Files     []string   `json:"files"`
	Entry     string     `json:"entry"`
	URL       string     `json:"url"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Code struct {
	Code                 string    `json:"code"`
	Slots                int       `json:"slots"`
	MaxRedemptions       int       `json:"max_redemptions"`
	RemainingRedemptions int       `json:"remaining_redemptions"`
	RedeemedBy           []string  `json:"redeemed_by"`
	IssuedBy             string    `json:"issued_by"`
	CreatedAt            time.Time `json:"created_at"`
}

type CodeRequest struct {
	Slots          int    `json:"slots"`
	MaxRedemptions int    `json:"max_redemptions"`
	Code           string `json:"code,omitempty"`
}

type Stats struct {
	Accounts         int64  `json:"accounts"`
	Sites            int64  `json:"sites"`
	Codes            int64  `json:"codes"`
	Redemptions      int64  `json:"redemptions"`
	QuotaOutstanding int64  `json:"quota_outstanding"`
	StorageUsedBytes int64  `json:"storage_used_bytes"`
	StorageUsedHuman string `json:"storage_used_human"`
}

// Register creates an account. No credentials are sent.
func (c *Client) Register(ctx context.Context, username, password string) (*Account, error) {
	var out Account
	err := c.doJSON(ctx, http.MethodPost, "/register", false,
		map[string]string{"username": username, "password": password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Login checks the client's credentials.
func (c *Client) Login(ctx context.Context) (*Account, error) {
	var out Account
	err := c.doJSON(ctx, http.MethodPost, "/login", false,
		map[string]string{"username": c.username, "password": c.password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload publishes data as site. filename decides how the server treats it.
func (c *Client) Upload(ctx context.Context, site, filename string, data []byte) (*UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("site_name", site); err != nil {
		return nil, err
	}
	if err := mw.WriteField("username", c.username); err != nil {
		return nil, err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", true, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out UploadResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Redeem(ctx context.Context, code string) (*RedeemResult, error) {
	var out RedeemResult
	if err := c.doJSON(ctx, http.MethodPost, "/redeem", true, map[string]string{"code": code}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSites returns owner's sites. It needs no credentials.
func (c *Client) ListSites(ctx context.Context, owner string) ([]Site, error) {
	var out struct {
		Sites []Site `json:"sites"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/sites/"+url.PathEscape(owner), false, nil, &out); err != nil {
		return nil, err
	}
	return out.Sites, nil
}

func (c *Client) DeleteSite(ctx context.Context, owner, site string) error {
	p := "/sites/" + url.PathEscape(owner) + "/" + url.PathEscape(site)
	return c.doJSON(ctx, http.MethodDelete, p, true, nil, nil)
}

func (c *Client) GenerateCode(ctx context.Context, req CodeRequest) (*Code, error) {
	var out Code
	if err := c.doJSON(ctx, http.MethodPost, "/admin/generate_code", true, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCodes(ctx context.Context) ([]Code, error) {
	var out struct {
		Codes []Code `json:"codes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/codes", true, nil, &out); err != nil {
		return nil, err
	}
	return out.Codes, nil
}

func (c *Client) RevokeCode(ctx context.Context, code string) error {
	return c.doJSON(ctx, http.MethodDelete, "/admin/codes/"+url.PathEscape(code), true, nil, nil)
}

func (c *Client) ListUsers(ctx context.Context) ([]Account, error) {
	var out struct {
		Users []Account `json:"users"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/users", true, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.doJSON(ctx, http.MethodGet, "/admin/stats", true, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, auth bool, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, auth, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, auth bool, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
