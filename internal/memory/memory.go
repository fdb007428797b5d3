package memory

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pelicanlabs/banter/internal/config"
	"github.com/pelicanlabs/banter/internal/store"
)

// Manager keeps the conversational window per destination: a bounded,
// age-limited slice of recent messages. Writes go through to the store
// before the in-memory window is touched, and eviction runs eagerly on
// every append so the window never exceeds capacity or retention. A
// destination's window is hydrated from the store lazily, on first use
// after startup.
type Manager struct {
	store     *store.Store
	capacity  int
	retention time.Duration

	mu      sync.Mutex
	windows map[string][]store.Message
}

func NewManager(st *store.Store, cfg config.MemoryConfig) *Manager {
	return &Manager{
		store:     st,
		capacity:  cfg.Capacity,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		windows:   make(map[string][]store.Message),
	}
}

// Record appends one message to a destination's window. The store
// write happens first; a failed write leaves the cached window
// untouched.
func (m *Manager) Record(msg store.Message) error {
	if msg.CreatedAtMs == 0 {
		msg.CreatedAtMs = time.Now().UnixMilli()
	}
	if err := m.store.AppendMessage(msg); err != nil {
		return err
	}
	cutoff := time.Now().Add(-m.retention).UnixMilli()
	if err := m.store.EvictMessages(msg.Destination, m.capacity, cutoff); err != nil {
		return fmt.Errorf("evict after append: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	window, ok := m.windows[msg.Destination]
	if !ok {
		// Not hydrated yet; the next Recent call loads from the store.
		return nil
	}
	window = append(window, msg)
	m.windows[msg.Destination] = trimWindow(window, m.capacity, cutoff)
	return nil
}

// Recent returns up to limit messages for a destination in
// chronological order, newest window only.
func (m *Manager) Recent(destination string, limit int) ([]store.Message, error) {
	if limit <= 0 || limit > m.capacity {
		limit = m.capacity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	window, ok := m.windows[destination]
	if !ok {
		loaded, err := m.store.RecentMessages(destination, m.capacity)
		if err != nil {
			return nil, fmt.Errorf("hydrate window for %s: %w", destination, err)
		}
		m.windows[destination] = loaded
		window = loaded
	}

	cutoff := time.Now().Add(-m.retention).UnixMilli()
	window = trimWindow(window, m.capacity, cutoff)
	m.windows[destination] = window

	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]store.Message, len(window))
	copy(out, window)
	return out, nil
}

// Touch upserts the identity profile for a sender.
func (m *Manager) Touch(identity, name string) (*store.IdentityProfile, error) {
	return m.store.TouchIdentity(identity, name, time.Now().UnixMilli())
}

func (m *Manager) Identity(identity string) (*store.IdentityProfile, error) {
	return m.store.GetIdentity(identity)
}

// BumpEngagement applies one engagement-score step for an identity.
func (m *Manager) BumpEngagement(identity string, delta, decay float64) error {
	return m.store.BumpEngagement(identity, delta, decay)
}

// Prune drops messages past retention across all destinations and
// invalidates cached windows so they re-hydrate.
func (m *Manager) Prune() (int64, error) {
	cutoff := time.Now().Add(-m.retention).UnixMilli()
	n, err := m.store.PruneConversations(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[memory] pruned %d messages past retention", n)
	}

	m.mu.Lock()
	m.windows = make(map[string][]store.Message)
	m.mu.Unlock()
	return n, nil
}

func (m *Manager) Stats() (destinations, messages int, err error) {
	return m.store.ConversationStats()
}

// Wipe clears every conversation and identity profile, and the caches.
func (m *Manager) Wipe() error {
	if err := m.store.WipeConversations(); err != nil {
		return err
	}
	m.mu.Lock()
	m.windows = make(map[string][]store.Message)
	m.mu.Unlock()
	log.Printf("[memory] wiped all conversations and identity profiles")
	return nil
}

// trimWindow enforces retention then capacity on a chronological slice.
func trimWindow(window []store.Message, capacity int, cutoffMs int64) []store.Message {
	start := 0
	for start < len(window) && window[start].CreatedAtMs < cutoffMs {
		start++
	}
	window = window[start:]
	if len(window) > capacity {
		window = window[len(window)-capacity:]
	}
	return window
}
