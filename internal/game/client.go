package game

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lootline/internal/domain"
)

// ErrMineNotFound marks the eventually-consistent "mine not visible yet"
// authorization failure. Callers retry it; every other error is final.
var ErrMineNotFound = errors.New("mine not found")

// TeamState is the per-team view returned by the identity state endpoint.
type TeamState struct {
	TeamID            int64
	Faction           domain.Faction
	BattlePoints      float64
	MineEndTime       time.Time
	OutstandingGameID int64
}

// Authorization is a signed permission to submit an attack on-chain.
type Authorization struct {
	Signature string
	ExpireAt  time.Time
}

// Client is a minimal HTTP client for the game API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. The HTTP client is initialized
// here; the instance is shared across goroutines and must not be mutated
// after construction.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("game api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

type minePage struct {
	Mines []wireMine `json:"mines"`
}

type wireMine struct {
	GameID        int64   `json:"game_id"`
	OwnerAddress  string  `json:"owner_address"`
	Faction       string  `json:"faction"`
	DefensePoints float64 `json:"defense_points"`
	StartTime     int64   `json:"start_time"`
}

// ListLootableMines returns one page of currently-open mining sessions.
// Pages may overlap between calls; callers own deduplication. Deadline is
// left zero here, the feed computes it against its freshness window.
func (c *Client) ListLootableMines(ctx context.Context, page, limit int) ([]domain.Mine, error) {
	var resp minePage
	endpoint := fmt.Sprintf("mines?status=open&page=%d&limit=%d", page, limit)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	mines := make([]domain.Mine, 0, len(resp.Mines))
	for _, m := range resp.Mines {
		mines = append(mines, domain.Mine{
			ID:            m.GameID,
			OwnerAddress:  m.OwnerAddress,
			Faction:       domain.Faction(strings.ToUpper(m.Faction)),
			DefensePoints: m.DefensePoints,
			StartedAt:     time.Unix(m.StartTime, 0).UTC(),
		})
	}
	return mines, nil
}

type wireTeam struct {
	TeamID        int64   `json:"team_id"`
	Faction       string  `json:"faction"`
	BattlePoints  float64 `json:"battle_points"`
	MineEndTime   int64   `json:"mine_end_time"`
	ProcessStatus string  `json:"process_status"`
	GameID        int64   `json:"game_id"`
}

// ActiveTeams fetches lock and settlement state for every team of a looter.
func (c *Client) ActiveTeams(ctx context.Context, address string) ([]TeamState, error) {
	var resp struct {
		Teams []wireTeam `json:"teams"`
	}
	endpoint := fmt.Sprintf("teams?owner=%s", address)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	teams := make([]TeamState, 0, len(resp.Teams))
	for _, t := range resp.Teams {
		state := TeamState{
			TeamID:       t.TeamID,
			Faction:      domain.Faction(strings.ToUpper(t.Faction)),
			BattlePoints: t.BattlePoints,
		}
		if t.MineEndTime > 0 {
			state.MineEndTime = time.Unix(t.MineEndTime, 0).UTC()
		}
		if t.ProcessStatus != "" && t.ProcessStatus != "settled" {
			state.OutstandingGameID = t.GameID
		}
		teams = append(teams, state)
	}
	return teams, nil
}

// AuthorizeAttack exchanges a captcha proof for an attack signature. Returns
// ErrMineNotFound when the upstream has not yet indexed the mine; that case
// must be retried, bounded by the mine's freshness deadline.
func (c *Client) AuthorizeAttack(ctx context.Context, proof string, teamID, mineID int64) (Authorization, error) {
	body := map[string]any{
		"captcha_proof": proof,
		"team_id":       teamID,
		"game_id":       mineID,
	}
	var resp struct {
		Signature  string `json:"signature"`
		ExpireTime int64  `json:"expire_time"`
	}
	err := c.do(ctx, http.MethodPost, "attacks/authorize", body, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusNotFound || apiErr.Code == "GAME_NOT_FOUND" {
				return Authorization{}, ErrMineNotFound
			}
		}
		return Authorization{}, err
	}
	if resp.Signature == "" {
		return Authorization{}, fmt.Errorf("authorize attack: empty signature")
	}
	return Authorization{
		Signature: resp.Signature,
		ExpireAt:  time.Unix(resp.ExpireTime, 0).UTC(),
	}, nil
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
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			ErrorCode string `json:"error_code"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.ErrorCode
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
