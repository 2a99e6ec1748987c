package lootlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Lootline HTTP API client. Captcha solver frontends use
// it to poll challenges and deliver proofs.
type Client struct {
	BaseURL     string
	OperatorKey string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Timeout:    10 * time.Second,
	}
}

// Challenge is an open human verification.
type Challenge struct {
	ID            string `json:"id"`
	TeamID        int64  `json:"team_id"`
	LooterAddress string `json:"looter_address"`
	MineID        int64  `json:"mine_id"`
	MineFaction   string `json:"mine_faction,omitempty"`
	CreatedAt     string `json:"created_at"`
	Deadline      string `json:"deadline"`
}

// Commitment is a ledger entry.
type Commitment struct {
	MineID        int64  `json:"mine_id"`
	TeamID        int64  `json:"team_id"`
	LooterAddress string `json:"looter_address"`
	Status        string `json:"status"`
	TxHash        string `json:"tx_hash,omitempty"`
	ExpireAt      string `json:"expire_at"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// LooterStatus is the per-looter view.
type LooterStatus struct {
	Address              string `json:"address"`
	Name                 string `json:"name,omitempty"`
	Busy                 bool   `json:"busy"`
	CoolingDown          bool   `json:"cooling_down"`
	PendingVerifications int    `json:"pending_verifications"`
	PendingCommitments   int    `json:"pending_commitments"`
	Teams                []struct {
		ID           int64   `json:"id"`
		Faction      string  `json:"faction,omitempty"`
		BattlePoints float64 `json:"battle_points"`
		Locked       bool    `json:"locked"`
		Settled      bool    `json:"settled"`
	} `json:"teams"`
}

// Status is the orchestrator summary.
type Status struct {
	Looters            int `json:"looters"`
	EligibleTeams      int `json:"eligible_teams"`
	OpenChallenges     int `json:"open_challenges"`
	PendingCommitments int `json:"pending_commitments"`
}

// Event is a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Challenges returns the open challenges.
func (c *Client) Challenges(ctx context.Context) ([]Challenge, error) {
	var resp []Challenge
	err := c.do(ctx, http.MethodGet, "v0/challenges", nil, &resp)
	return resp, err
}

// Challenge fetches one challenge by id.
func (c *Client) Challenge(ctx context.Context, id string) (Challenge, error) {
	var resp Challenge
	err := c.do(ctx, http.MethodGet, "v0/challenges/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// DeliverResult posts a solved captcha proof for a challenge. The call blocks
// while the server retries upstream indexing lag, bounded by the challenge
// deadline.
func (c *Client) DeliverResult(ctx context.Context, id, proof string) error {
	body := map[string]any{"proof": proof}
	return c.do(ctx, http.MethodPost, "v0/challenges/"+url.PathEscape(id)+"/result", body, nil)
}

// Status returns the orchestrator summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// LooterStatus returns one looter's view.
func (c *Client) LooterStatus(ctx context.Context, address string) (LooterStatus, error) {
	var resp LooterStatus
	err := c.do(ctx, http.MethodGet, "v0/looters/"+url.PathEscape(address)+"/status", nil, &resp)
	return resp, err
}

// Commitments returns recent commitments.
func (c *Client) Commitments(ctx context.Context, limit int) ([]Commitment, error) {
	endpoint := "v0/commitments"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Commitment
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.OperatorKey != "":
		req.Header.Set("X-Operator-Key", c.OperatorKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
