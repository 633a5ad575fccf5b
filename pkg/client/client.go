// Package client is the typed Go client for the manager's control API,
// used by the player-facing API service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/plfanzen/backend/pkg/api"
	"github.com/plfanzen/backend/pkg/types"
)

// Client talks to a manager's control API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given manager address,
// e.g. "http://manager:7070"
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return types.ErrConflict
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.ErrLimitExceeded
	case resp.StatusCode >= 400:
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("manager returned %d: %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("manager returned %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// StartInstance requests an instance; convergence is asynchronous, the
// returned instance is typically still pending. Poll GetInstance.
func (c *Client) StartInstance(ctx context.Context, teamID, challengeID string, ttl time.Duration) (*api.InstancePayload, error) {
	req := api.StartInstanceRequest{
		TeamID:      teamID,
		ChallengeID: challengeID,
		TTLSeconds:  int64(ttl / time.Second),
	}
	var out api.InstancePayload
	if err := c.do(ctx, http.MethodPost, "/v1/instances", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopInstance cancels desired state; teardown completes asynchronously
func (c *Client) StopInstance(ctx context.Context, teamID, challengeID string) error {
	path := fmt.Sprintf("/v1/instances/%s/%s", url.PathEscape(teamID), url.PathEscape(challengeID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GetInstance returns the current composite view of one instance
func (c *Client) GetInstance(ctx context.Context, teamID, challengeID string) (*api.InstancePayload, error) {
	path := fmt.Sprintf("/v1/instances/%s/%s", url.PathEscape(teamID), url.PathEscape(challengeID))
	var out api.InstancePayload
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstances returns all instances of one team
func (c *Client) ListInstances(ctx context.Context, teamID string) ([]api.InstancePayload, error) {
	path := fmt.Sprintf("/v1/teams/%s/instances", url.PathEscape(teamID))
	var out api.InstanceListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// ListChallenges returns the published challenge summaries
func (c *Client) ListChallenges(ctx context.Context) ([]api.ChallengePayload, error) {
	var out api.ChallengeListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/challenges", nil, &out); err != nil {
		return nil, err
	}
	return out.Challenges, nil
}

// CheckFlag validates a flag submission against the challenge manifest
func (c *Client) CheckFlag(ctx context.Context, challengeID, flag string) (bool, error) {
	path := fmt.Sprintf("/v1/challenges/%s/check-flag", url.PathEscape(challengeID))
	var out api.CheckFlagResponse
	if err := c.do(ctx, http.MethodPost, path, api.CheckFlagRequest{Flag: flag}, &out); err != nil {
		return false, err
	}
	return out.Correct, nil
}

// Sync triggers an immediate repository sync
func (c *Client) Sync(ctx context.Context) (bool, error) {
	var out api.SyncResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync", nil, &out); err != nil {
		return false, err
	}
	return out.Changed, nil
}
