package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/store"
)

// upstreamError maps an upstream HTTP failure into the pool's health
// classification. 402 bodies are scanned for a reset timestamp so quota
// exhaustion schedules its own recovery.
func upstreamError(resp *http.Response, body []byte) *pool.UpstreamError {
	ue := &pool.UpstreamError{
		Status:  resp.StatusCode,
		Message: errorMessage(body, resp.StatusCode),
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		ue.ResetAt = parseResetAt(resp, body)
	}
	return ue
}

func errorMessage(body []byte, status int) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	if len(body) > 0 {
		s := string(body)
		if len(s) > 200 {
			s = s[:200] + "..."
		}
		return s
	}
	return http.StatusText(status)
}

func parseResetAt(resp *http.Response, body []byte) time.Time {
	var parsed struct {
		ResetAt   int64 `json:"resetAt"`
		ResetTime int64 `json:"reset_time"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.ResetAt > 0 {
			return time.UnixMilli(parsed.ResetAt)
		}
		if parsed.ResetTime > 0 {
			return time.Unix(parsed.ResetTime, 0)
		}
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Time{}
}

// credentials resolves the account's base URL and bearer credential from its
// stored token. Static-key providers keep the API key in accessToken and the
// endpoint in extra.baseUrl.
func (m *Manager) credentials(ctx context.Context, t store.ProviderType, uuid string) (baseURL, key string, tok *store.Token, err error) {
	tok, err = m.store.GetToken(ctx, t, uuid)
	if err != nil {
		return "", "", nil, fmt.Errorf("adapters: credentials for %s/%s: %w", t, uuid, err)
	}
	if v, ok := tok.Extra["baseUrl"].(string); ok {
		baseURL = strings.TrimRight(v, "/")
	}
	return baseURL, tok.AccessToken, tok, nil
}

// postJSON sends one JSON request and returns the response body. Non-2xx
// statuses come back as *pool.UpstreamError.
func (m *Manager) postJSON(ctx context.Context, t store.ProviderType, url, bearer string, headers map[string]string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client(t).Do(req)
	if err != nil {
		return nil, &pool.UpstreamError{Message: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &pool.UpstreamError{Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError(resp, body)
	}
	return body, nil
}

// getJSON performs an authenticated GET.
func (m *Manager) getJSON(ctx context.Context, t store.ProviderType, url, bearer string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client(t).Do(req)
	if err != nil {
		return nil, &pool.UpstreamError{Message: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &pool.UpstreamError{Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError(resp, body)
	}
	return body, nil
}

// streamSSE posts a request and feeds every SSE data payload to fn. A
// payload of "[DONE]" ends the stream without being forwarded.
func (m *Manager) streamSSE(ctx context.Context, t store.ProviderType, url, bearer string, headers map[string]string, payload []byte, fn func(data []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// Streaming bypasses the pooled client's response timeout; the caller's
	// context carries the deadline.
	client := &http.Client{Transport: m.client(t).Transport}
	resp, err := client.Do(req)
	if err != nil {
		return &pool.UpstreamError{Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return upstreamError(resp, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			if bytes.Equal(data, []byte("[DONE]")) {
				return nil
			}
			continue
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}
