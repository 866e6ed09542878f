package kiro

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultEndpoint = "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse"

	// Token refresh endpoints per auth method.
	socialRefreshURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
	idcRefreshURL    = "https://oidc.us-east-1.amazonaws.com/token"

	userAgent = "aws-sdk-js/3.693.0 ua/2.1 os/other lang/js md/browser api/codewhispererstreaming#1.0.0"
)

// ClientConfig bounds the shared upstream connection pool.
type ClientConfig struct {
	Endpoint            string
	MaxConns            int           // default 100
	MaxIdleConnsPerHost int           // default 20
	IdleConnTimeout     time.Duration // default 90s
	Timeout             time.Duration // default 300s, the hard stream ceiling
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 100
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 20
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	return c
}

// Client is the pooled keep-alive HTTP client for the CodeWhisperer
// upstream. One instance is shared by every concurrent stream.
type Client struct {
	http     *http.Client
	endpoint string
}

// NewClient builds the shared client.
func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConns,
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},
		ForceAttemptHTTP2: true,
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		endpoint: cfg.Endpoint,
	}
}

// Send posts one translated request and returns the streaming response. The
// caller owns the body and must close it.
func (c *Client) Send(ctx context.Context, accessToken string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("x-amzn-kiro-agent-mode", "spec")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.amazon.eventstream")
	return c.http.Do(req)
}

// RefreshResult is the parsed output of a token refresh call.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds
	ProfileArn   string
}

// RefreshSocial exchanges a social-auth refresh token for a new access
// token.
func (c *Client) RefreshSocial(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	payload, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, socialRefreshURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro: social refresh: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kiro: social refresh returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
		ProfileArn   string `json:"profileArn"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("kiro: social refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("kiro: social refresh returned no access token")
	}
	return &RefreshResult{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    out.ExpiresIn,
		ProfileArn:   out.ProfileArn,
	}, nil
}

// RefreshIdC exchanges an IAM Identity Center refresh token.
func (c *Client) RefreshIdC(ctx context.Context, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	payload, _ := json.Marshal(map[string]string{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"refreshToken": refreshToken,
		"grantType":    "refresh_token",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idcRefreshURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro: idc refresh: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kiro: idc refresh returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("kiro: idc refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("kiro: idc refresh returned no access token")
	}
	return &RefreshResult{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    out.ExpiresIn,
	}, nil
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n]) + "..."
	}
	return string(data)
}
