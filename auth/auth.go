// Package auth exchanges a username and password for a session token.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"carbonlog/session"
	"carbonlog/transport"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrRegistration       = errors.New("registration rejected")
	ErrBadResponse        = errors.New("unexpected response from auth service")
)

type Client struct {
	client  *transport.TracedClient
	authURL string
}

func New(client *transport.TracedClient, authURL string) *Client {
	return &Client{client: client, authURL: strings.TrimRight(authURL, "/")}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type messageResponse struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (c *Client) post(ctx context.Context, path string, payload any) (*transport.TracedResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.client.Do(req)
}

func message(resp *transport.TracedResponse) string {
	if !resp.IsJSON() {
		return ""
	}
	var m messageResponse
	if json.Unmarshal(resp.Body, &m) != nil {
		return ""
	}
	if m.Message != "" {
		return m.Message
	}
	return m.Detail
}

// Login returns an authenticated session for username.
func (c *Client) Login(ctx context.Context, username, password string) (*session.Session, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password required", ErrInvalidCredentials)
	}
	resp, err := c.post(ctx, "/api/token/", credentials{username, password})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		if msg := message(resp); msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)
		}
		return nil, ErrInvalidCredentials
	case !resp.OK():
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	case !resp.IsJSON():
		return nil, fmt.Errorf("%w: content type %q", ErrBadResponse, resp.Header.Get("Content-Type"))
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if tr.Access == "" {
		return nil, fmt.Errorf("%w: no access token", ErrBadResponse)
	}
	return session.New(username, tr.Access), nil
}

// Register creates the account and then logs in with it.
func (c *Client) Register(ctx context.Context, username, password string) (*session.Session, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password required", ErrRegistration)
	}
	resp, err := c.post(ctx, "/api/register/", credentials{username, password})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		if msg := message(resp); msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrRegistration, msg)
		}
		return nil, fmt.Errorf("%w: status %d", ErrRegistration, resp.StatusCode)
	}
	return c.Login(ctx, username, password)
}
