package penalty

import "time"

type Action int

const (
	NoAction Action = iota
	Restrict
)

// Tier is one temporary escalation step.
type Tier struct {
	Duration time.Duration
	Notify   bool
}

// Table is the escalation table for one kind: occurrence N maps to
// Tiers[N-1]; occurrences past the table are permanent.
type Table struct {
	Tiers []Tier
}

type Decision struct {
	Action    Action
	Duration  time.Duration
	Permanent bool
	Notify    bool
}

type Policy struct {
	tables map[Kind]Table
}

func NewPolicy(tables map[Kind]Table) *Policy {
	copied := make(map[Kind]Table, len(tables))
	for kind, table := range tables {
		copied[kind] = table
	}
	return &Policy{tables: copied}
}

// Decide maps a post-increment count to the action to take. Counts beyond
// the configured tiers clamp to the terminal (permanent) tier, never an
// error.
func (p *Policy) Decide(kind Kind, count int) Decision {
	table, ok := p.tables[kind]
	if !ok || count <= 0 {
		return Decision{Action: NoAction}
	}
	if count > len(table.Tiers) {
		return Decision{Action: Restrict, Permanent: true, Notify: true}
	}
	tier := table.Tiers[count-1]
	return Decision{Action: Restrict, Duration: tier.Duration, Notify: tier.Notify}
}
