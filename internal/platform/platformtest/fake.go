// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/endorse-tools/endorse/internal/platform"
)

// Behavior scripts how one account behaves.
type Behavior struct {
	LoginErr  error
	ActionErr error
	// Result defaults to platform.ResultOK.
	Result    platform.Result
	Remaining int
	Panic     bool
	// BlockLogin holds Login until its context ends.
	BlockLogin bool
}

// Client is a scripted platform.
type Client struct {
	mu        sync.Mutex
	Behaviors map[string]Behavior
	Relays    []platform.Relay
	Targets   map[string]string
	RelayRefs map[string]string
	Welcome   time.Time

	logins  []string
	closed  []string
	joined  map[string]string
	actions []platform.ActionRequest
}

func NewClient() *Client {
	return &Client{
		Behaviors: map[string]Behavior{},
		Targets:   map[string]string{},
		RelayRefs: map[string]string{},
		Welcome:   time.Unix(1700000000, 0).UTC(),
		joined:    map[string]string{},
	}
}

func (c *Client) behavior(handle string) Behavior {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Behaviors[handle]
}

func (c *Client) Login(ctx context.Context, creds platform.Credentials) (platform.Session, error) {
	b := c.behavior(creds.Handle)
	if b.Panic {
		panic("scripted panic for " + creds.Handle)
	}
	c.mu.Lock()
	c.logins = append(c.logins, creds.Handle)
	c.mu.Unlock()
	if b.BlockLogin {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.LoginErr != nil {
		return nil, b.LoginErr
	}
	return &session{client: c, handle: creds.Handle, behavior: b}, nil
}

func (c *Client) ListActiveRelays(context.Context) ([]platform.Relay, error) {
	return c.Relays, nil
}

func (c *Client) ResolveReference(_ context.Context, ref string) (string, error) {
	if id, ok := c.Targets[ref]; ok {
		return id, nil
	}
	return "", fmt.Errorf("unknown target %q", ref)
}

func (c *Client) ParseRelayReference(_ context.Context, ref string) (string, error) {
	if id, ok := c.RelayRefs[ref]; ok {
		return id, nil
	}
	return "", fmt.Errorf("unknown relay %q", ref)
}

// Logins returns the handles that attempted to log in.
func (c *Client) Logins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logins...)
}

// Closed returns the handles whose sessions were closed.
func (c *Client) Closed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closed...)
}

// Joined returns the relay each handle joined.
func (c *Client) Joined() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.joined))
	for k, v := range c.joined {
		out[k] = v
	}
	return out
}

// Actions returns every submitted action.
func (c *Client) Actions() []platform.ActionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.ActionRequest(nil), c.actions...)
}

type session struct {
	client   *Client
	handle   string
	behavior Behavior
}

func (s *session) Identity() string       { return "id-" + s.handle }
func (s *session) WelcomeTime() time.Time { return s.client.Welcome }

func (s *session) JoinRelay(_ context.Context, relay string) error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.client.joined[s.handle] = relay
	return nil
}

func (s *session) SubmitAction(_ context.Context, req platform.ActionRequest) (platform.ActionResult, error) {
	s.client.mu.Lock()
	s.client.actions = append(s.client.actions, req)
	s.client.mu.Unlock()
	if s.behavior.ActionErr != nil {
		return platform.ActionResult{}, s.behavior.ActionErr
	}
	code := s.behavior.Result
	if code == 0 {
		code = platform.ResultOK
	}
	return platform.ActionResult{Code: code, Remaining: s.behavior.Remaining}, nil
}

func (s *session) Close() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.client.closed = append(s.client.closed, s.handle)
	return nil
}
