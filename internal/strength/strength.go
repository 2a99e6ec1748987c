package strength

import "lootline/internal/domain"

// Policy defaults. These are tunable numbers, not invariants; the config
// layer owns the values actually used at runtime.
const (
	DefaultAdvantageDiscount = 0.93
	DefaultNeutralDiscount   = 0.97
	DefaultMinBattlePoints   = 200
)

// Party is one side of a strength comparison: a team attacking or a mine
// defending.
type Party struct {
	Faction domain.Faction
	Points  float64
}

// Comparator computes directional effective strength under the faction
// advantage table. The ordering it induces is deliberately non-transitive:
// faction counters make A>B, B>C, C>A possible.
type Comparator struct {
	// AdvantageDiscount is applied to the viewer's raw points when the
	// opponent's faction counters the viewer's.
	AdvantageDiscount float64
	// NeutralDiscount is applied when the viewer has no faction.
	NeutralDiscount float64
	// MinPoints is the absolute validity floor. Parties below it are
	// excluded from matching regardless of any comparison outcome.
	MinPoints float64
}

// New returns a comparator with zero fields replaced by defaults.
func New(advantageDiscount, neutralDiscount, minPoints float64) Comparator {
	if advantageDiscount == 0 {
		advantageDiscount = DefaultAdvantageDiscount
	}
	if neutralDiscount == 0 {
		neutralDiscount = DefaultNeutralDiscount
	}
	if minPoints == 0 {
		minPoints = DefaultMinBattlePoints
	}
	return Comparator{
		AdvantageDiscount: advantageDiscount,
		NeutralDiscount:   neutralDiscount,
		MinPoints:         minPoints,
	}
}

// counters maps each faction to the set of factions it holds advantage over:
// the next two factions in ring order.
var counters = buildCounters()

func buildCounters() map[domain.Faction][]domain.Faction {
	ring := domain.Factions()
	m := make(map[domain.Faction][]domain.Faction, len(ring))
	for i, f := range ring {
		m[f] = []domain.Faction{
			ring[(i+1)%len(ring)],
			ring[(i+2)%len(ring)],
		}
	}
	return m
}

// HasAdvantage reports whether attacker's faction counters defender's.
// A factionless party neither holds nor suffers faction advantage.
func HasAdvantage(attacker, defender domain.Faction) bool {
	if attacker == domain.FactionNone || defender == domain.FactionNone {
		return false
	}
	for _, c := range counters[attacker] {
		if c == defender {
			return true
		}
	}
	return false
}

// RelativeStrength returns the viewer's effective points when facing an
// opponent of the given faction.
func (c Comparator) RelativeStrength(viewer Party, opponent domain.Faction) float64 {
	if viewer.Faction == domain.FactionNone {
		return viewer.Points * c.NeutralDiscount
	}
	if HasAdvantage(opponent, viewer.Faction) {
		return viewer.Points * c.AdvantageDiscount
	}
	return viewer.Points
}

// Beats reports whether a strictly out-muscles b, evaluating the discount in
// both directions.
func (c Comparator) Beats(a, b Party) bool {
	return c.RelativeStrength(a, b.Faction) > c.RelativeStrength(b, a.Faction)
}

// Valid reports whether the party clears the absolute validity floor.
func (c Comparator) Valid(p Party) bool {
	return p.Points >= c.MinPoints
}

// TeamParty adapts a roster team for comparison.
func TeamParty(t domain.Team) Party {
	return Party{Faction: t.Faction, Points: t.BattlePoints}
}

// MineParty adapts a discovered mine for comparison.
func MineParty(m domain.Mine) Party {
	return Party{Faction: m.Faction, Points: m.DefensePoints}
}
