// Package gateway talks to the platform through its HTTP gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/platform"
)

// Client implements platform.Client over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds a gateway client. A zero timeout defaults to 30s.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type loginRequest struct {
	Handle   string `json:"handle"`
	Secret   string `json:"secret"`
	TOTPSeed string `json:"totp_seed,omitempty"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	WelcomeAt time.Time `json:"welcome_at"`
}

type errorResponse struct {
	Code                 int    `json:"code"`
	Message              string `json:"message"`
	SecondFactorRequired bool   `json:"second_factor_required"`
}

// Login opens a platform session for the account.
func (c *Client) Login(ctx context.Context, creds platform.Credentials) (platform.Session, error) {
	var resp sessionResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions", loginRequest{
		Handle:   creds.Handle,
		Secret:   creds.Secret,
		TOTPSeed: creds.TOTPSeed,
	}, &resp)
	if err != nil {
		// Only a platform verdict is an AuthError. Transport failures and
		// gateway 5xx say nothing about the credentials.
		var apiErr *apiError
		if !errors.As(err, &apiErr) || apiErr.status >= http.StatusInternalServerError {
			return nil, fmt.Errorf("login: %w", err)
		}
		msg := apiErr.body.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return nil, &platform.AuthError{
			Code:                 platform.Result(apiErr.body.Code),
			SecondFactorRequired: apiErr.body.SecondFactorRequired,
			Message:              msg,
		}
	}
	return &session{client: c, id: resp.ID, identity: resp.Identity, welcome: resp.WelcomeAt}, nil
}

// ListActiveRelays returns relays in the gateway's preference order.
func (c *Client) ListActiveRelays(ctx context.Context) ([]platform.Relay, error) {
	var relays []platform.Relay
	if err := c.do(ctx, http.MethodGet, "/v1/relays", nil, &relays); err != nil {
		return nil, fmt.Errorf("list relays: %w", err)
	}
	return relays, nil
}

// ResolveReference turns a profile link or vanity name into an identity.
func (c *Client) ResolveReference(ctx context.Context, ref string) (string, error) {
	var resp struct {
		Identity string `json:"identity"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/targets/resolve?ref="+url.QueryEscape(ref), nil, &resp); err != nil {
		return "", fmt.Errorf("resolve target %q: %w", ref, err)
	}
	if resp.Identity == "" {
		return "", fmt.Errorf("resolve target %q: empty identity", ref)
	}
	return resp.Identity, nil
}

// ParseRelayReference turns a relay address or id into a relay identity.
func (c *Client) ParseRelayReference(ctx context.Context, ref string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/relays/resolve?ref="+url.QueryEscape(ref), nil, &resp); err != nil {
		return "", fmt.Errorf("parse relay %q: %w", ref, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("parse relay %q: empty id", ref)
	}
	return resp.ID, nil
}

type apiError struct {
	status int
	body   errorResponse
}

func (e *apiError) Error() string {
	if e.body.Message != "" {
		return fmt.Sprintf("gateway status %d: %s", e.status, e.body.Message)
	}
	return fmt.Sprintf("gateway status %d", e.status)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr.body)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type session struct {
	client   *Client
	id       string
	identity string
	welcome  time.Time
}

func (s *session) Identity() string       { return s.identity }
func (s *session) WelcomeTime() time.Time { return s.welcome }

func (s *session) JoinRelay(ctx context.Context, relay string) error {
	err := s.client.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(s.id)+"/relay", map[string]string{"relay": relay}, nil)
	if err != nil {
		return fmt.Errorf("join relay: %w", err)
	}
	return nil
}

type actionRequest struct {
	Target     string            `json:"target"`
	Relay      string            `json:"relay"`
	Categories []models.Category `json:"categories"`
}

type actionResponse struct {
	Code      int `json:"code"`
	Remaining int `json:"remaining"`
}

func (s *session) SubmitAction(ctx context.Context, req platform.ActionRequest) (platform.ActionResult, error) {
	var resp actionResponse
	err := s.client.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(s.id)+"/actions", actionRequest{
		Target:     req.Target,
		Relay:      req.Relay,
		Categories: req.Categories,
	}, &resp)
	if err != nil {
		return platform.ActionResult{}, fmt.Errorf("submit action: %w", err)
	}
	return platform.ActionResult{Code: platform.Result(resp.Code), Remaining: resp.Remaining}, nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(s.id), nil, nil)
}
