package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LoadTraitState returns the persisted trait record for the scope, or
// nil when the scope has never been saved.
func (s *Store) LoadTraitState(scope string) (*TraitRecord, error) {
	row := s.db.QueryRow(`
		SELECT scope, traits, patterns, persona, version, updated_at
		FROM trait_state WHERE scope = ?
	`, scope)

	var rec TraitRecord
	err := row.Scan(&rec.Scope, &rec.TraitsJSON, &rec.PatternsJSON, &rec.Persona, &rec.Version, &rec.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trait state: %w", err)
	}
	return &rec, nil
}

// SaveTraitState persists the record with optimistic concurrency: the
// write succeeds only if the stored version still equals rec.Version,
// and advances it by one. A concurrent writer surfaces as
// ErrVersionConflict, never as a silent overwrite.
func (s *Store) SaveTraitState(rec *TraitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if rec.Version == 0 {
		_, err := s.db.Exec(`
			INSERT INTO trait_state (scope, traits, patterns, persona, version, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
		`, rec.Scope, rec.TraitsJSON, rec.PatternsJSON, rec.Persona, now)
		if err != nil {
			// A concurrent first write shows up as a primary key clash.
			return fmt.Errorf("insert trait state: %w (%w)", err, ErrVersionConflict)
		}
		rec.Version = 1
		rec.UpdatedAtMs = now
		return nil
	}

	res, err := s.db.Exec(`
		UPDATE trait_state
		SET traits = ?, patterns = ?, persona = ?, version = version + 1, updated_at = ?
		WHERE scope = ? AND version = ?
	`, rec.TraitsJSON, rec.PatternsJSON, rec.Persona, now, rec.Scope, rec.Version)
	if err != nil {
		return fmt.Errorf("update trait state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trait state rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("save trait state for scope %s: %w", rec.Scope, ErrVersionConflict)
	}
	rec.Version++
	rec.UpdatedAtMs = now
	return nil
}
