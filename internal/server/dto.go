package server

import (
	"encoding/json"
	"time"

	"lootline/internal/domain"
)

type ChallengeResponse struct {
	ID            string `json:"id"`
	TeamID        int64  `json:"team_id"`
	LooterAddress string `json:"looter_address"`
	MineID        int64  `json:"mine_id"`
	MineFaction   string `json:"mine_faction,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	Deadline      string `json:"deadline" format:"date-time"`
}

func challengeResponse(c domain.Challenge) ChallengeResponse {
	return ChallengeResponse{
		ID:            c.ID,
		TeamID:        c.TeamID,
		LooterAddress: c.LooterAddress,
		MineID:        c.MineID,
		MineFaction:   string(c.MineFaction),
		CreatedAt:     c.CreatedAt.UTC().Format(time.RFC3339),
		Deadline:      c.Deadline.UTC().Format(time.RFC3339),
	}
}

type DeliverResultRequest struct {
	Proof string `json:"proof" minLength:"1" doc:"Solved captcha proof token"`
}

type TeamResponse struct {
	ID           int64   `json:"id"`
	Faction      string  `json:"faction,omitempty"`
	BattlePoints float64 `json:"battle_points"`
	Locked       bool    `json:"locked"`
	Settled      bool    `json:"settled"`
	LockExpiry   string  `json:"lock_expiry,omitempty" format:"date-time"`
}

func teamResponse(t domain.Team) TeamResponse {
	resp := TeamResponse{
		ID:           t.ID,
		Faction:      string(t.Faction),
		BattlePoints: t.BattlePoints,
		Locked:       t.Locked,
		Settled:      t.Settled,
	}
	if !t.LockExpiry.IsZero() {
		resp.LockExpiry = t.LockExpiry.UTC().Format(time.RFC3339)
	}
	return resp
}

type LooterStatusResponse struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	// Busy is the composed view: a pending commitment, an open challenge
	// or an active cooldown on any of the looter's teams.
	Busy                 bool           `json:"busy"`
	CoolingDown          bool           `json:"cooling_down"`
	PendingVerifications int            `json:"pending_verifications"`
	PendingCommitments   int            `json:"pending_commitments"`
	Teams                []TeamResponse `json:"teams"`
}

type CommitmentResponse struct {
	MineID        int64  `json:"mine_id"`
	TeamID        int64  `json:"team_id"`
	LooterAddress string `json:"looter_address"`
	Status        string `json:"status" enum:"pending,executed,timed_out"`
	TxHash        string `json:"tx_hash,omitempty"`
	ExpireAt      string `json:"expire_at" format:"date-time"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

func commitmentResponse(c domain.Commitment) CommitmentResponse {
	return CommitmentResponse{
		MineID:        c.MineID,
		TeamID:        c.TeamID,
		LooterAddress: c.LooterAddress,
		Status:        string(c.Status),
		TxHash:        c.TxHash,
		ExpireAt:      c.ExpireAt.UTC().Format(time.RFC3339),
		CreatedAt:     c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage([]byte(e.Payload))
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    payload,
	}
}

type StatusResponse struct {
	Looters            int `json:"looters"`
	EligibleTeams      int `json:"eligible_teams"`
	OpenChallenges     int `json:"open_challenges"`
	PendingCommitments int `json:"pending_commitments"`
}
