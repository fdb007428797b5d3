package usage

import (
	"log"
	"time"

	"github.com/pelicanlabs/banter/internal/config"
	"github.com/pelicanlabs/banter/internal/store"
)

// Governor caps how many model calls the agent spends per UTC day.
// The counter lives in the store, keyed by day, so restarts within a
// day keep spending against the same budget and a new day starts a
// fresh row lazily on its first call.
type Governor struct {
	store  *store.Store
	budget int
	now    func() time.Time
}

func NewGovernor(st *store.Store, cfg config.UsageConfig) *Governor {
	return &Governor{
		store:  st,
		budget: cfg.DailyBudget,
		now:    time.Now,
	}
}

// TryConsume claims one unit of today's budget. False means the day is
// spent; the caller degrades to a canned response instead of calling
// the model.
func (g *Governor) TryConsume() (bool, error) {
	day := dayKey(g.now())
	ok, err := g.store.TryConsumeUsage(day, g.budget)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Printf("[usage] daily budget %d exhausted for %s", g.budget, day)
	}
	return ok, nil
}

// Today reports the current day's spend and budget.
func (g *Governor) Today() (consumed, budget int, err error) {
	consumed, budget, err = g.store.UsageFor(dayKey(g.now()))
	if err != nil {
		return 0, 0, err
	}
	if budget == 0 {
		budget = g.budget
	}
	return consumed, budget, nil
}

// Remaining is Today expressed as headroom.
func (g *Governor) Remaining() (int, error) {
	consumed, budget, err := g.Today()
	if err != nil {
		return 0, err
	}
	left := budget - consumed
	if left < 0 {
		left = 0
	}
	return left, nil
}

// Prune drops counter rows older than keepDays.
func (g *Governor) Prune(keepDays int) (int64, error) {
	cutoff := dayKey(g.now().AddDate(0, 0, -keepDays))
	return g.store.PruneUsage(cutoff)
}

// dayKey buckets a moment into its UTC calendar day.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
