package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/diracgrid/pilotauth/internal/common"
)

// Tokens is the pair handed out by login and refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
}

// Credential pairs a registered reference with its one-time visible secret.
type Credential struct {
	PilotJobReference string `json:"pilot_job_reference"`
	PilotSecret       string `json:"pilot_secret"`
}

// RegisterRequest is the body of a registration call.
type RegisterRequest struct {
	PilotReferences []string          `json:"pilot_references"`
	VO              string            `json:"vo"`
	GridType        string            `json:"grid_type,omitempty"`
	PilotStamps     map[string]string `json:"pilot_stamps,omitempty"`
}

// PilotInfo describes the logged-in pilot.
type PilotInfo struct {
	PilotJobReference string    `json:"pilot_job_reference"`
	VO                string    `json:"vo"`
	GridType          string    `json:"grid_type"`
	PilotStamp        string    `json:"pilot_stamp"`
	Status            string    `json:"status"`
	SubmissionTime    time.Time `json:"submission_time"`
	Scope             string    `json:"scope"`
}

type HTTPClient struct {
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	tokens *Tokens
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Register creates pilots with the admin token and returns their secrets in
// request order.
func (c *HTTPClient) Register(ctx context.Context, adminToken string, req RegisterRequest) ([]Credential, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Credentials []Credential `json:"credentials"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/register-new-pilots", nil, adminToken, body, &resp); err != nil {
		return nil, err
	}
	return resp.Credentials, nil
}

// Login exchanges a pilot secret for tokens and remembers them.
func (c *HTTPClient) Login(ctx context.Context, ref, secret string) (*Tokens, error) {
	q := url.Values{"pilot_job_reference": {ref}, "pilot_secret": {secret}}

	t := &Tokens{}
	if err := c.do(ctx, http.MethodPost, "/api/auth/pilot-login", q, "", nil, t); err != nil {
		return nil, err
	}
	c.setTokens(t)
	return t, nil
}

// Refresh rotates the remembered refresh token.
func (c *HTTPClient) Refresh(ctx context.Context) (*Tokens, error) {
	cur := c.currentTokens()
	if cur == nil {
		return nil, ErrNotLoggedIn
	}

	q := url.Values{"refresh_token": {cur.RefreshToken}}
	t := &Tokens{}
	if err := c.do(ctx, http.MethodPost, "/api/auth/pilot-refresh-token", q, cur.AccessToken, nil, t); err != nil {
		return nil, err
	}
	c.setTokens(t)
	return t, nil
}

// Info returns the identity behind the current access token.
func (c *HTTPClient) Info(ctx context.Context) (*PilotInfo, error) {
	cur := c.currentTokens()
	if cur == nil {
		return nil, ErrNotLoggedIn
	}

	info := &PilotInfo{}
	if err := c.do(ctx, http.MethodGet, "/api/pilots/info", nil, cur.AccessToken, nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Logout forgets the remembered token pair.
func (c *HTTPClient) Logout() {
	c.setTokens(nil)
}

// Ping checks /healthz.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, "", nil, nil)
}

func (c *HTTPClient) setTokens(t *Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = t
}

func (c *HTTPClient) currentTokens() *Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, bearer string, body []byte, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Detail: e.Detail}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
