package engage

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pelicanlabs/banter/internal/config"
)

// spontaneousPrompts seed unsolicited messages into a lull.
var spontaneousPrompts = []string{
	"What's everyone talking about?",
	"I was just thinking about something...",
	"Anyone else find this interesting?",
	"What do you all think about this?",
	"I've been wondering about something...",
}

// Scheduler decides when the agent speaks without being addressed.
// Each destination carries a last-activity timestamp; a destination
// quiet for longer than the inactivity window is never engaged, and an
// active one is engaged with a small fixed probability per
// opportunity.
type Scheduler struct {
	window time.Duration
	chance float64

	mu       sync.Mutex
	activity map[string]time.Time
	rng      *rand.Rand
	now      func() time.Time
}

func NewScheduler(cfg config.EngagementConfig) *Scheduler {
	window, err := time.ParseDuration(cfg.InactivityWindow)
	if err != nil || window <= 0 {
		window = 2 * time.Hour
	}
	return &Scheduler{
		window:   window,
		chance:   cfg.Chance,
		activity: make(map[string]time.Time),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// NoteActivity records that a destination just saw a human message.
func (s *Scheduler) NoteActivity(destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity[destination] = s.now()
}

// Active reports whether the destination saw activity within the
// window. A destination never seen is inactive.
func (s *Scheduler) Active(destination string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(destination)
}

func (s *Scheduler) activeLocked(destination string) bool {
	last, ok := s.activity[destination]
	if !ok {
		return false
	}
	return s.now().Sub(last) < s.window
}

// ShouldEngage gates one unsolicited-message opportunity. Inactive
// destinations always decline; active ones pass the probability gate.
func (s *Scheduler) ShouldEngage(destination string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked(destination) {
		return false
	}
	return s.rng.Float64() < s.chance
}

// SpontaneousPrompt picks a conversation starter for an unsolicited
// message.
func (s *Scheduler) SpontaneousPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return spontaneousPrompts[s.rng.Intn(len(spontaneousPrompts))]
}

// ActiveDestinations lists destinations currently inside the window.
func (s *Scheduler) ActiveDestinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for dest := range s.activity {
		if s.activeLocked(dest) {
			out = append(out, dest)
		}
	}
	return out
}

// Sweep forgets destinations far past the window so the map does not
// grow without bound.
func (s *Scheduler) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-2 * s.window)
	removed := 0
	for dest, last := range s.activity {
		if last.Before(cutoff) {
			delete(s.activity, dest)
			removed++
		}
	}
	return removed
}
