package domain

import "time"

// Faction is the combat category of a team or mine. The zero value means
// the party carries no faction at all.
type Faction string

const (
	FactionNone     Faction = ""
	FactionCraboid  Faction = "CRABOID"
	FactionRuined   Faction = "RUINED"
	FactionVerdant  Faction = "VERDANT"
	FactionAbyssal  Faction = "ABYSSAL"
	FactionMachina  Faction = "MACHINA"
	FactionLustrous Faction = "LUSTROUS"
)

// Factions lists every known faction, in advantage-ring order.
func Factions() []Faction {
	return []Faction{
		FactionCraboid,
		FactionRuined,
		FactionVerdant,
		FactionAbyssal,
		FactionMachina,
		FactionLustrous,
	}
}

// Valid reports whether f is a known faction or empty.
func (f Faction) Valid() bool {
	if f == FactionNone {
		return true
	}
	for _, known := range Factions() {
		if f == known {
			return true
		}
	}
	return false
}

// Looter is a managed identity able to commit attacks. Loaded from config at
// startup; team state is overwritten by roster refreshes.
type Looter struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Teams   []Team `json:"teams"`
}

// Team is a single attacking unit controlled by a looter.
type Team struct {
	ID                int64     `json:"id"`
	LooterAddress     string    `json:"looter_address"`
	Faction           Faction   `json:"faction,omitempty"`
	BattlePoints      float64   `json:"battle_points"`
	Locked            bool      `json:"locked"`
	Settled           bool      `json:"settled"`
	LockExpiry        time.Time `json:"lock_expiry,omitempty"`
	OutstandingGameID int64     `json:"outstanding_game_id,omitempty"`
}

// Mine is a lootable mining session discovered by the feed. Deadline is the
// freshness cutoff computed when the mine is first surfaced; a mine is
// actionable only while now is before Deadline.
type Mine struct {
	ID            int64     `json:"id"`
	OwnerAddress  string    `json:"owner_address"`
	Faction       Faction   `json:"faction,omitempty"`
	DefensePoints float64   `json:"defense_points"`
	StartedAt     time.Time `json:"started_at"`
	Deadline      time.Time `json:"deadline"`
}

// Expired reports whether the mine's freshness window has passed.
func (m Mine) Expired(now time.Time) bool {
	return !now.Before(m.Deadline)
}

// Match is a tentative (team, mine) pairing produced by a single matching
// pass. A team and a mine each appear in at most one live match.
type Match struct {
	TeamID        int64   `json:"team_id"`
	LooterAddress string  `json:"looter_address"`
	MineID        int64   `json:"mine_id"`
	Advantage     bool    `json:"advantage"`
	TeamPoints    float64 `json:"team_points"`
	MinePoints    float64 `json:"mine_points"`
}

// Challenge is a pending human verification for a match. It lives only in
// memory; expiry is detected lazily against Deadline, never by a timer.
type Challenge struct {
	ID            string    `json:"id"`
	TeamID        int64     `json:"team_id"`
	LooterAddress string    `json:"looter_address"`
	MineID        int64     `json:"mine_id"`
	MineFaction   Faction   `json:"mine_faction,omitempty"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
	Deadline      time.Time `json:"deadline" format:"date-time"`
}

// Expired reports whether the challenge outlived its mine's freshness window.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.Deadline)
}

// CommitmentStatus is the lifecycle state of a durable commitment.
type CommitmentStatus string

const (
	CommitmentPending  CommitmentStatus = "pending"
	CommitmentExecuted CommitmentStatus = "executed"
	CommitmentTimedOut CommitmentStatus = "timed_out"
)

// Terminal reports whether the status can never change again.
func (s CommitmentStatus) Terminal() bool {
	return s == CommitmentExecuted || s == CommitmentTimedOut
}

// Commitment is the durable record of an authorized attack, keyed uniquely by
// mine id. Created the moment verification succeeds and persisted before any
// submission attempt.
type Commitment struct {
	MineID        int64            `json:"mine_id"`
	TeamID        int64            `json:"team_id"`
	LooterAddress string           `json:"looter_address"`
	Signature     string           `json:"signature"`
	ExpireAt      time.Time        `json:"expire_at" format:"date-time"`
	Status        CommitmentStatus `json:"status" enum:"pending,executed,timed_out"`
	TxHash        string           `json:"tx_hash,omitempty"`
	CreatedAt     time.Time        `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time        `json:"updated_at" format:"date-time"`
}

// Expired reports whether the commitment's authorization window has passed.
func (c Commitment) Expired(now time.Time) bool {
	return now.After(c.ExpireAt)
}

// Event is one append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
