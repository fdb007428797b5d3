package store

import (
	"database/sql"
	"fmt"
)

func (s *Store) AppendMessage(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO conversations (destination, author, author_id, content, is_bot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.Destination, msg.Author, msg.AuthorID, msg.Content, boolToInt(msg.IsBot), msg.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages for the destination in
// chronological order (oldest first).
func (s *Store) RecentMessages(destination string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, destination, author, author_id, content, is_bot, created_at
		FROM (
			SELECT id, destination, author, author_id, content, is_bot, created_at
			FROM conversations
			WHERE destination = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, destination, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// EvictMessages enforces the per-destination window: rows older than
// cutoffMs go, then everything beyond the newest `capacity` rows. Each
// deletion is all-or-nothing within one transaction.
func (s *Store) EvictMessages(destination string, capacity int, cutoffMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin evict: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM conversations WHERE destination = ? AND created_at < ?
	`, destination, cutoffMs); err != nil {
		return fmt.Errorf("evict by age: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM conversations
		WHERE destination = ? AND id NOT IN (
			SELECT id FROM conversations
			WHERE destination = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, destination, destination, capacity); err != nil {
		return fmt.Errorf("evict by capacity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evict: %w", err)
	}
	return nil
}

// PruneConversations removes entries older than cutoffMs across every
// destination.
func (s *Store) PruneConversations(cutoffMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM conversations WHERE created_at < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) ConversationStats() (destinations int, messages int, err error) {
	row := s.db.QueryRow(`SELECT COUNT(DISTINCT destination), COUNT(*) FROM conversations`)
	if err := row.Scan(&destinations, &messages); err != nil {
		return 0, 0, fmt.Errorf("conversation stats: %w", err)
	}
	return destinations, messages, nil
}

func (s *Store) WipeConversations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("wipe conversations: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM identity_profiles`); err != nil {
		return fmt.Errorf("wipe identity profiles: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	result := make([]Message, 0)
	for rows.Next() {
		var m Message
		var isBot int
		if err := rows.Scan(&m.ID, &m.Destination, &m.Author, &m.AuthorID, &m.Content, &isBot, &m.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsBot = isBot == 1
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
