package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mercator-hq/saturn/pkg/store"
)

// googleTokenURL is the refresh endpoint for gemini-cli style OAuth tokens.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// refreshOAuthToken performs a standard refresh_token grant against the
// token endpoint recorded in the stored token. The returned token preserves
// every field the grant did not rotate.
func refreshOAuthToken(ctx context.Context, client *http.Client, tok *store.Token) (*store.Token, error) {
	endpoint, _ := tok.Extra["tokenUrl"].(string)
	if endpoint == "" {
		endpoint = googleTokenURL
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("adapters: no refresh token stored")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	}
	if tok.ClientID != "" {
		form.Set("client_id", tok.ClientID)
	}
	if tok.ClientSecret != "" {
		form.Set("client_secret", tok.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("adapters: token refresh: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("adapters: token refresh returned %d: %s", resp.StatusCode, errorMessage(body, resp.StatusCode))
	}

	var grant struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("adapters: token refresh response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("adapters: token refresh returned no access token")
	}

	fresh := *tok
	fresh.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		fresh.RefreshToken = grant.RefreshToken
	}
	if grant.ExpiresIn > 0 {
		fresh.ExpiresAt = time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second).Format(time.RFC3339)
	}
	return &fresh, nil
}
