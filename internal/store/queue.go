package store

import (
	"database/sql"
	"fmt"
)

func (s *Store) InsertQueueItem(item QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO queue_items (id, destination, payload, priority, enqueued_at, not_before, attempt_count, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Destination, item.Payload, item.Priority, item.EnqueuedAtMs, item.NotBeforeMs, item.AttemptCount, item.State)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// NonTerminalItems returns every pending or in-flight item in dispatch
// order: priority ascending, then enqueue time ascending. In-flight
// items appear here so a restart can resume them; their not_before is
// honored, not reset.
func (s *Store) NonTerminalItems() ([]QueueItem, error) {
	rows, err := s.db.Query(`
		SELECT id, destination, payload, priority, enqueued_at, not_before, attempt_count, state
		FROM queue_items
		WHERE state IN (?, ?)
		ORDER BY priority ASC, enqueued_at ASC
	`, StatePending, StateInFlight)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (s *Store) UpdateQueueItem(item QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE queue_items
		SET not_before = ?, attempt_count = ?, state = ?
		WHERE id = ?
	`, item.NotBeforeMs, item.AttemptCount, item.State, item.ID)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	return nil
}

func (s *Store) QueueDepth() (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE state = ?`, StatePending)
	var depth int
	if err := row.Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// DropOldestPending removes the earliest-enqueued pending item for the
// destination. Used by the drop-oldest overflow policy.
func (s *Store) DropOldestPending(destination string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id FROM queue_items
		WHERE state = ? AND destination = ?
		ORDER BY enqueued_at ASC LIMIT 1
	`, StatePending, destination)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("find oldest pending: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("drop oldest pending: %w", err)
	}
	return id, nil
}

func (s *Store) ClearPending() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM queue_items WHERE state = ?`, StatePending)
	if err != nil {
		return 0, fmt.Errorf("clear pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneTerminal deletes delivered and permanently failed items older
// than the cutoff. Terminal rows are kept around for a while for
// inspection, not forever.
func (s *Store) PruneTerminal(cutoffMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		DELETE FROM queue_items
		WHERE state IN (?, ?) AND enqueued_at < ?
	`, StateDelivered, StateFailed, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("prune terminal items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	result := make([]QueueItem, 0)
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(
			&item.ID,
			&item.Destination,
			&item.Payload,
			&item.Priority,
			&item.EnqueuedAtMs,
			&item.NotBeforeMs,
			&item.AttemptCount,
			&item.State,
		); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return result, nil
}
