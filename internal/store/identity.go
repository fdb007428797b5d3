package store

import (
	"database/sql"
	"fmt"
)

// TouchIdentity upserts the profile for an identity: creation on first
// touch, then a strictly increasing interaction count and a refreshed
// last_seen. Returns the updated profile.
func (s *Store) TouchIdentity(identity, name string, nowMs int64) (*IdentityProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO identity_profiles (identity, name, interaction_count, last_seen)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(identity) DO UPDATE SET
			name = excluded.name,
			interaction_count = interaction_count + 1,
			last_seen = excluded.last_seen
	`, identity, name, nowMs)
	if err != nil {
		return nil, fmt.Errorf("touch identity: %w", err)
	}
	return s.getIdentityLocked(identity)
}

// BumpEngagement applies one decayed-accumulator step:
// score = score*decay + delta, floored at zero.
func (s *Store) BumpEngagement(identity string, delta, decay float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE identity_profiles
		SET engagement_score = MAX(0, engagement_score * ? + ?)
		WHERE identity = ?
	`, decay, delta, identity)
	if err != nil {
		return fmt.Errorf("bump engagement: %w", err)
	}
	return nil
}

func (s *Store) GetIdentity(identity string) (*IdentityProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getIdentityLocked(identity)
}

func (s *Store) getIdentityLocked(identity string) (*IdentityProfile, error) {
	row := s.db.QueryRow(`
		SELECT identity, name, interaction_count, engagement_score, last_seen
		FROM identity_profiles WHERE identity = ?
	`, identity)

	var p IdentityProfile
	err := row.Scan(&p.Identity, &p.Name, &p.InteractionCount, &p.EngagementScore, &p.LastSeenMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &p, nil
}
