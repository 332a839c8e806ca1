// Package restapi is the HTTP collaborator client for the orchestrator's
// REST endpoints: the four stream fetchers the polling fallback uses and
// the lifecycle command endpoints. The backend owns these routes; this
// client only consumes them.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bulomi/mcps-one-sub000/wire"
)

// Client makes REST calls to the MCPS-One backend.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client targeting the given base URL
// (e.g. "http://127.0.0.1:8090").
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchStats fetches /api/stats/summary.
func (c *Client) FetchStats(ctx context.Context) (wire.StatsSummary, error) {
	var s wire.StatsSummary
	err := c.get(ctx, "/api/stats/summary", &s)
	return s, err
}

// FetchTools fetches /api/tools.
func (c *Client) FetchTools(ctx context.Context) (wire.ToolList, error) {
	var l wire.ToolList
	err := c.get(ctx, "/api/tools", &l)
	return l, err
}

// FetchTasks fetches /api/tasks/recent.
func (c *Client) FetchTasks(ctx context.Context) (wire.TaskList, error) {
	var l wire.TaskList
	err := c.get(ctx, "/api/tasks/recent", &l)
	return l, err
}

// FetchSessions fetches /api/sessions.
func (c *Client) FetchSessions(ctx context.Context) (wire.SessionList, error) {
	var l wire.SessionList
	err := c.get(ctx, "/api/sessions", &l)
	return l, err
}

// SessionAction sends POST /api/sessions/{id}/action. The request id lets
// the backend deduplicate retried commands.
func (c *Client) SessionAction(ctx context.Context, sessionID string, action wire.SessionAction, requestID string) error {
	body := map[string]string{
		"action":    string(action),
		"requestId": requestID,
	}
	return c.post(ctx, "/api/sessions/"+sessionID+"/action", body, nil)
}

// PoolRefill sends POST /api/pool/refill asking the backend to warm up
// count sessions.
func (c *Client) PoolRefill(ctx context.Context, count int, requestID string) error {
	body := map[string]any{
		"count":     count,
		"requestId": requestID,
	}
	return c.post(ctx, "/api/pool/refill", body, nil)
}

// Cleanup sends POST /api/maintenance/cleanup.
func (c *Client) Cleanup(ctx context.Context) (wire.CleanupResult, error) {
	var res wire.CleanupResult
	err := c.post(ctx, "/api/maintenance/cleanup", nil, &res)
	return res, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %d %s", path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
