package captcha

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lootline/internal/domain"
	"lootline/internal/events"
	"lootline/internal/game"
	"lootline/internal/matcher"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
)

// Authorizer is the slice of the game API the bridge needs.
type Authorizer interface {
	AuthorizeAttack(ctx context.Context, proof string, teamID, mineID int64) (game.Authorization, error)
}

// Recorder persists a verified commitment.
type Recorder interface {
	Record(ctx context.Context, c domain.Commitment) error
}

// Bridge holds open human-verification challenges and turns delivered proofs
// into durable commitments. Challenges live only in memory; a restart drops
// them and matching simply re-opens what is still actionable.
type Bridge struct {
	Game          Authorizer
	Ledger        Recorder
	Guard         *matcher.Guard
	Events        events.Writer
	RetryInterval time.Duration
	Now           func() time.Time
	Logger        *log.Logger

	mu       sync.Mutex
	open     map[string]domain.Challenge
	inflight map[string]bool
}

type actorKey struct{}

// WithActor tags ctx with the operator delivering a proof; the subject lands
// in the audit payload of the resulting events.
func WithActor(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, actorKey{}, subject)
}

func actorFrom(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(actorKey{}).(string)
	return subject, ok && subject != ""
}

// New builds a bridge. retryInterval paces the not-found retry loop.
func New(gameClient Authorizer, ledger Recorder, guard *matcher.Guard, ew events.Writer, retryInterval time.Duration) *Bridge {
	if retryInterval <= 0 {
		retryInterval = 2 * time.Second
	}
	return &Bridge{
		Game:          gameClient,
		Ledger:        ledger,
		Guard:         guard,
		Events:        ew,
		RetryInterval: retryInterval,
		open:          make(map[string]domain.Challenge),
		inflight:      make(map[string]bool),
	}
}

func (b *Bridge) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bridge) logf(format string, args ...any) {
	if b.Logger != nil {
		b.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Open creates a challenge for a match, bounded by the mine's freshness
// deadline. At most one challenge is open per team and per mine; a duplicate
// request reports false and opens nothing.
func (b *Bridge) Open(m domain.Match, mineFaction domain.Faction, deadline time.Time) (domain.Challenge, bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	for _, c := range b.open {
		if c.TeamID == m.TeamID || c.MineID == m.MineID {
			return domain.Challenge{}, false
		}
	}
	seed := fmt.Sprintf("%d|%d|%s|%d", m.MineID, m.TeamID, m.LooterAddress, now.UnixNano())
	ch := domain.Challenge{
		ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String(),
		TeamID:        m.TeamID,
		LooterAddress: m.LooterAddress,
		MineID:        m.MineID,
		MineFaction:   mineFaction,
		CreatedAt:     now,
		Deadline:      deadline,
	}
	b.open[ch.ID] = ch
	b.appendEvent(context.Background(), "challenge.opened", ch, events.EventPayload{
		"team_id": ch.TeamID,
		"mine_id": ch.MineID,
		"looter":  ch.LooterAddress,
	})
	return ch, true
}

// Pending returns the open, unexpired challenges, oldest first. Challenges
// whose delivery is in flight are no longer solvable and are excluded.
func (b *Bridge) Pending() []domain.Challenge {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	out := make([]domain.Challenge, 0, len(b.open))
	for id, c := range b.open {
		if b.inflight[id] {
			continue
		}
		out = append(out, c)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Get returns one open challenge by id. In-flight deliveries report not
// found, same as a consumed challenge.
func (b *Bridge) Get(id string) (domain.Challenge, bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	if b.inflight[id] {
		return domain.Challenge{}, false
	}
	c, ok := b.open[id]
	return c, ok
}

// HasOpenTeam reports whether the team has a live challenge.
func (b *Bridge) HasOpenTeam(teamID int64) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	for _, c := range b.open {
		if c.TeamID == teamID {
			return true
		}
	}
	return false
}

// HasOpenMine reports whether the mine has a live challenge.
func (b *Bridge) HasOpenMine(mineID int64) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	for _, c := range b.open {
		if c.MineID == mineID {
			return true
		}
	}
	return false
}

// OpenForLooter counts live challenges across a looter's teams, in-flight
// deliveries included.
func (b *Bridge) OpenForLooter(address string) int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	n := 0
	for _, c := range b.open {
		if strings.EqualFold(c.LooterAddress, address) {
			n++
		}
	}
	return n
}

// Deliver consumes a challenge with its solved proof. The authorize call is
// retried while the upstream reports the mine as not yet visible, bounded by
// the challenge deadline; any other failure is final. The challenge stays in
// the table, flagged in flight, for the whole delivery: the pair keeps
// reading busy and a second delivery of the same id reports not found. On
// success the commitment is recorded as pending and the looter's cooldown
// starts.
func (b *Bridge) Deliver(ctx context.Context, challengeID, proof string) error {
	now := b.now()
	b.mu.Lock()
	ch, ok := b.open[challengeID]
	if !ok || b.inflight[challengeID] {
		b.mu.Unlock()
		return ErrChallengeNotFound
	}
	if ch.Expired(now) {
		delete(b.open, challengeID)
		b.mu.Unlock()
		b.appendEvent(ctx, "challenge.expired", ch, events.EventPayload{
			"team_id": ch.TeamID,
			"mine_id": ch.MineID,
		})
		return ErrChallengeExpired
	}
	b.inflight[challengeID] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.open, challengeID)
		delete(b.inflight, challengeID)
		b.mu.Unlock()
	}()

	var auth game.Authorization
	for {
		var err error
		auth, err = b.Game.AuthorizeAttack(ctx, proof, ch.TeamID, ch.MineID)
		if err == nil {
			break
		}
		if !errors.Is(err, game.ErrMineNotFound) {
			b.logf("captcha: challenge %s authorize failed: %v", ch.ID, err)
			payload := events.EventPayload{
				"team_id": ch.TeamID,
				"mine_id": ch.MineID,
				"cause":   err.Error(),
			}
			if actor, ok := actorFrom(ctx); ok {
				payload["delivered_by"] = actor
			}
			b.appendEvent(ctx, "challenge.failed", ch, payload)
			return err
		}
		if !b.now().Add(b.RetryInterval).Before(ch.Deadline) {
			b.logf("captcha: challenge %s expired waiting for mine %d", ch.ID, ch.MineID)
			b.appendEvent(ctx, "challenge.expired", ch, events.EventPayload{
				"team_id": ch.TeamID,
				"mine_id": ch.MineID,
			})
			return ErrChallengeExpired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.RetryInterval):
		}
	}

	cm := domain.Commitment{
		MineID:        ch.MineID,
		TeamID:        ch.TeamID,
		LooterAddress: ch.LooterAddress,
		Signature:     auth.Signature,
		ExpireAt:      auth.ExpireAt,
		Status:        domain.CommitmentPending,
		CreatedAt:     b.now(),
	}
	if err := b.Ledger.Record(ctx, cm); err != nil {
		return fmt.Errorf("record commitment mine=%d: %w", cm.MineID, err)
	}
	if b.Guard != nil {
		b.Guard.MarkRecentlyActed(ch.LooterAddress)
	}
	b.logf("captcha: challenge %s verified, commitment recorded mine=%d team=%d", ch.ID, ch.MineID, ch.TeamID)
	payload := events.EventPayload{
		"team_id": ch.TeamID,
		"mine_id": ch.MineID,
		"looter":  ch.LooterAddress,
	}
	if actor, ok := actorFrom(ctx); ok {
		payload["delivered_by"] = actor
	}
	b.appendEvent(ctx, "commitment.recorded", ch, payload)
	return nil
}

// expireLocked drops challenges past their deadline. In-flight deliveries
// are left alone; their retry loop owns the deadline check. Callers hold b.mu.
func (b *Bridge) expireLocked(now time.Time) {
	for id, c := range b.open {
		if b.inflight[id] {
			continue
		}
		if c.Expired(now) {
			delete(b.open, id)
			b.appendEvent(context.Background(), "challenge.expired", c, events.EventPayload{
				"team_id": c.TeamID,
				"mine_id": c.MineID,
			})
		}
	}
}

func (b *Bridge) appendEvent(ctx context.Context, evtType string, ch domain.Challenge, payload events.EventPayload) {
	if b.Events.DB == nil {
		return
	}
	payload["challenge_id"] = ch.ID
	entityID := strconv.FormatInt(ch.MineID, 10)
	if err := b.Events.Append(ctx, evtType, "challenge", entityID, payload); err != nil {
		b.logf("captcha: append event %s: %v", evtType, err)
	}
}
