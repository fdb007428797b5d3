package store

import (
	"database/sql"
	"fmt"
)

// TryConsumeUsage atomically claims one unit of the day's budget. The
// row for dayKey is created lazily on the first call of a new UTC day;
// earlier days are left untouched. Returns false, without mutation,
// when the budget is spent.
func (s *Store) TryConsumeUsage(dayKey string, budget int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO usage_counters (day_key, consumed, budget)
		VALUES (?, 0, ?)
		ON CONFLICT(day_key) DO NOTHING
	`, dayKey, budget); err != nil {
		return false, fmt.Errorf("ensure usage row: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE usage_counters
		SET consumed = consumed + 1
		WHERE day_key = ? AND consumed < budget
	`, dayKey)
	if err != nil {
		return false, fmt.Errorf("consume usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume usage rows: %w", err)
	}
	return affected == 1, nil
}

func (s *Store) UsageFor(dayKey string) (consumed, budget int, err error) {
	row := s.db.QueryRow(`SELECT consumed, budget FROM usage_counters WHERE day_key = ?`, dayKey)
	if err := row.Scan(&consumed, &budget); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("usage for day: %w", err)
	}
	return consumed, budget, nil
}

// PruneUsage archives old counters by deleting rows before the given
// day key (lexicographic compare works for YYYY-MM-DD keys).
func (s *Store) PruneUsage(beforeDay string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM usage_counters WHERE day_key < ?`, beforeDay)
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
