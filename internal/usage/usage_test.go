package usage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pelicanlabs/banter/internal/config"
	"github.com/pelicanlabs/banter/internal/store"
)

func newTestGovernor(t *testing.T, budget int) *Governor {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewGovernor(st, config.UsageConfig{DailyBudget: budget})
}

func TestTryConsume_ExhaustsBudget(t *testing.T) {
	g := newTestGovernor(t, 2)

	for i := 0; i < 2; i++ {
		ok, err := g.TryConsume()
		if err != nil {
			t.Fatalf("TryConsume: %v", err)
		}
		if !ok {
			t.Fatalf("call %d within budget should succeed", i+1)
		}
	}

	ok, err := g.TryConsume()
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if ok {
		t.Error("consume past budget should fail")
	}

	left, err := g.Remaining()
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if left != 0 {
		t.Errorf("remaining = %d, want 0", left)
	}
}

func TestTryConsume_UTCDayRollover(t *testing.T) {
	g := newTestGovernor(t, 1)

	day1 := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	g.now = func() time.Time { return day1 }

	ok, err := g.TryConsume()
	if err != nil || !ok {
		t.Fatalf("first call ok=%v err=%v, want success", ok, err)
	}
	ok, _ = g.TryConsume()
	if ok {
		t.Fatal("budget of 1 should be spent")
	}

	// Two minutes later it is a new UTC day.
	g.now = func() time.Time { return day1.Add(2 * time.Minute) }
	ok, err = g.TryConsume()
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if !ok {
		t.Error("fresh UTC day should reset the budget")
	}
}

func TestDayKey_UTCNotLocal(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	local := time.Date(2026, 8, 25, 5, 0, 0, 0, loc) // still Aug 24 in UTC
	if got := dayKey(local); got != "2026-08-24" {
		t.Errorf("dayKey = %s, want 2026-08-24", got)
	}
}

func TestPrune_DropsOldDaysKeepsRecent(t *testing.T) {
	g := newTestGovernor(t, 5)

	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Spend on three days, 100 days apart.
	for _, offset := range []int{-200, -100, 0} {
		d := day.AddDate(0, 0, offset)
		g.now = func() time.Time { return d }
		if ok, err := g.TryConsume(); err != nil || !ok {
			t.Fatalf("TryConsume on %s: ok=%v err=%v", dayKey(d), ok, err)
		}
	}

	g.now = func() time.Time { return day }
	n, err := g.Prune(90)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want the two rows past 90 days", n)
	}

	// Today's counter is untouched.
	consumed, _, err := g.Today()
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if consumed != 1 {
		t.Errorf("consumed = %d, want today's spend kept", consumed)
	}
}

func TestToday_DefaultsBudgetBeforeFirstSpend(t *testing.T) {
	g := newTestGovernor(t, 7)
	consumed, budget, err := g.Today()
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if consumed != 0 || budget != 7 {
		t.Errorf("today = %d/%d, want 0/7", consumed, budget)
	}
}
