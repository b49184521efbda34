// Package backend is the HTTP boundary to the clinical platform:
// session records, access policy, consent, audit persistence and the
// end-of-session clinical workflow handoff all live behind it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/domain"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
	retryBackoff   = 500 * time.Millisecond
)

// Client talks to the clinical platform API. It satisfies the policy
// backend, audit store and notifier contracts of the session layer.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cache   *ttlCache
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
		cache:   newTTLCache(30*time.Second, 256),
	}
}

// do runs one JSON request with bounded retry on transport errors and
// 5xx. 4xx is never retried; the answer will not change.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt-1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("backend %s %s: status %d", method, path, resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			return fmt.Errorf("backend %s %s: status %d", method, path, resp.StatusCode)
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("backend unavailable after %d attempts: %w", maxAttempts, lastErr)
}

// --- session records ---

func (c *Client) CreateSession(ctx context.Context, s *domain.Session) error {
	return c.do(ctx, http.MethodPost, "/api/rtc/sessions", s, nil)
}

// --- access policy (security.PolicyBackend) ---

type accessResponse struct {
	Allowed bool `json:"allowed"`
}

func (c *Client) ValidateAccess(ctx context.Context, userID domain.UserID, sessionID domain.SessionID, role domain.Role) (bool, error) {
	key := fmt.Sprintf("access:%s:%s:%s", userID, sessionID, role)
	if v, ok := c.cache.get(key); ok {
		return v.(bool), nil
	}
	var out accessResponse
	body := map[string]string{
		"userId":    string(userID),
		"sessionId": string(sessionID),
		"role":      string(role),
	}
	if err := c.do(ctx, http.MethodPost, "/api/rtc/access/validate", body, &out); err != nil {
		return false, err
	}
	c.cache.put(key, out.Allowed)
	return out.Allowed, nil
}

func (c *Client) CheckOrigin(ctx context.Context, userID domain.UserID, origin string) (bool, error) {
	key := "origin:" + string(userID) + ":" + origin
	if v, ok := c.cache.get(key); ok {
		return v.(bool), nil
	}
	var out accessResponse
	body := map[string]string{"userId": string(userID), "origin": origin}
	if err := c.do(ctx, http.MethodPost, "/api/rtc/access/origin", body, &out); err != nil {
		return false, err
	}
	c.cache.put(key, out.Allowed)
	return out.Allowed, nil
}

func (c *Client) RecordConsent(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, given bool) error {
	body := map[string]any{
		"sessionId": string(sessionID),
		"userId":    string(userID),
		"given":     given,
	}
	return c.do(ctx, http.MethodPost, "/api/rtc/consent", body, nil)
}

func (c *Client) GetConsent(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (bool, error) {
	var out struct {
		Given bool `json:"given"`
	}
	path := fmt.Sprintf("/api/rtc/consent?sessionId=%s&userId=%s", sessionID, userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Given, nil
}

// --- audit persistence (audit.Store, audit.Notifier) ---

func (c *Client) StoreEvent(e audit.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, "/api/rtc/audit/events", e, nil)
}

func (c *Client) Notify(a audit.Alert) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, "/api/rtc/audit/alerts", a, nil)
}

// SessionLogs fetches the persisted audit trail of one session.
func (c *Client) SessionLogs(ctx context.Context, sessionID domain.SessionID) ([]audit.Event, error) {
	var out []audit.Event
	path := "/api/rtc/audit/events?sessionId=" + string(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- clinical workflow handoff ---

func (c *Client) SubmitSummary(ctx context.Context, s domain.SessionSummary) error {
	return c.do(ctx, http.MethodPost, "/api/rtc/summaries", s, nil)
}

func (c *Client) CreateFollowUp(ctx context.Context, t domain.FollowUpTask) error {
	return c.do(ctx, http.MethodPost, "/api/rtc/follow-ups", t, nil)
}
