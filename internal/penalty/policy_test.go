package penalty

import (
	"testing"
	"time"
)

func testTables() map[Kind]Table {
	return map[Kind]Table{
		KindStandard: {Tiers: []Tier{
			{Duration: 24 * time.Hour},
			{Duration: 168 * time.Hour, Notify: true},
		}},
		KindSpecial: {Tiers: []Tier{
			{Duration: time.Hour},
		}},
	}
}

func TestPolicyEscalation(t *testing.T) {
	policy := NewPolicy(testTables())

	first := policy.Decide(KindStandard, 1)
	if first.Action != Restrict || first.Permanent || first.Duration != 24*time.Hour || first.Notify {
		t.Fatalf("unexpected first tier: %+v", first)
	}

	second := policy.Decide(KindStandard, 2)
	if second.Duration != 168*time.Hour || !second.Notify || second.Permanent {
		t.Fatalf("unexpected second tier: %+v", second)
	}

	third := policy.Decide(KindStandard, 3)
	if !third.Permanent || third.Action != Restrict {
		t.Fatalf("expected permanent at count 3, got %+v", third)
	}
}

func TestPolicyClampsBeyondTable(t *testing.T) {
	policy := NewPolicy(testTables())
	for count := 3; count < 50; count++ {
		decision := policy.Decide(KindStandard, count)
		if !decision.Permanent {
			t.Fatalf("count %d: expected permanent, got %+v", count, decision)
		}
	}
}

func TestPolicyIndependentTables(t *testing.T) {
	policy := NewPolicy(testTables())
	if d := policy.Decide(KindSpecial, 1); d.Duration != time.Hour {
		t.Fatalf("expected 1h for special tier 1, got %v", d.Duration)
	}
	if d := policy.Decide(KindSpecial, 2); !d.Permanent {
		t.Fatalf("expected special permanent at count 2")
	}
}

func TestPolicyNoAction(t *testing.T) {
	policy := NewPolicy(testTables())
	if d := policy.Decide(KindStandard, 0); d.Action != NoAction {
		t.Fatalf("expected no action for count 0")
	}
	if d := policy.Decide(Kind("unknown"), 1); d.Action != NoAction {
		t.Fatalf("expected no action for unconfigured kind")
	}
}
