package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pelicanlabs/banter/internal/bus"
	"github.com/pelicanlabs/banter/internal/store"
)

// GlobalScope is the scope shared by every destination. Destination
// scopes layer on top of it: a fresh destination starts from the
// global traits, persona text falls through to the global scope unless
// set locally, and every reinforcement also feeds the global
// aggregate.
const GlobalScope = "global"

const (
	// alpha is the EMA step for one reinforcement at magnitude 1.
	alpha = 0.08
	// sincerityRate slows sincerity drift relative to the other traits.
	sincerityRate = 0.5

	patternStep     = 0.15
	patternFloor    = 0.05
	patternStaleAge = 14 * 24 * time.Hour

	flushThreshold = 25
	flushInterval  = 30 * time.Second

	tempBase = 0.7
	tempSpan = 0.2
)

// DefaultPersona is the base system persona used until an operator
// replaces it.
const DefaultPersona = `You are Banter, a conversational companion living inside a group chat.

CORE IDENTITY:
- Deeply curious about the people you talk to
- Playful, with an occasional mischievous streak
- Sincere when the moment calls for it

COMMUNICATION CONSTRAINTS:
- Responses under 2000 characters
- Speak exclusively in direct dialogue
- No roleplay actions, asterisks, or descriptive text
- Concise, laconic communication style
- Remain in character at all times`

// Traits is the bounded trait vector. Every field stays in [0, 1].
type Traits struct {
	Curiosity   float64 `json:"curiosity"`
	Playfulness float64 `json:"playfulness"`
	Enthusiasm  float64 `json:"enthusiasm"`
	Sincerity   float64 `json:"sincerity"`
	Mischief    float64 `json:"mischief"`
}

func DefaultTraits() Traits {
	return Traits{
		Curiosity:   0.7,
		Playfulness: 0.7,
		Enthusiasm:  0.6,
		Sincerity:   0.6,
		Mischief:    0.5,
	}
}

// Params is what the response path consumes: a sampling temperature,
// the persona text, and trait-derived tone directives.
type Params struct {
	Temperature float64
	Persona     string
	Directives  []string
}

type patternEntry struct {
	Strength  float64 `json:"strength"`
	UpdatedMs int64   `json:"updatedMs"`
}

type scopeState struct {
	traits         Traits
	patterns       map[string]patternEntry
	persona        string
	version        int64
	dirty          bool
	reinforcements int
}

// Engine holds the adaptation state for every scope, applies
// reinforcement signals in memory, and flushes to the store
// periodically and on shutdown. Concurrent flushers are resolved via
// the store's version column.
type Engine struct {
	store *store.Store

	mu     sync.Mutex
	scopes map[string]*scopeState

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(st *store.Store) *Engine {
	return &Engine{
		store:  st,
		scopes: make(map[string]*scopeState),
	}
}

// Start runs the periodic flush loop until Stop or context cancel.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.Flush(); err != nil {
					log.Printf("[persona] periodic flush: %v", err)
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
}

// Stop halts the flush loop and flushes remaining dirty state.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	if err := e.Flush(); err != nil {
		log.Printf("[persona] shutdown flush: %v", err)
	}
	log.Printf("[persona] stopped")
}

// Reinforce applies one engagement signal to its scope and to the
// global aggregate. A positive outcome pulls the expressive traits
// toward 1, a negative one toward 0, and a neutral one toward the
// midpoint; sincerity moves at half rate. Magnitude scales the step,
// and every trait is clamped to [0, 1] afterwards.
func (e *Engine) Reinforce(sig bus.EngagementSignal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	scope := sig.Scope
	if scope == "" {
		scope = GlobalScope
	}
	st, err := e.scopeLocked(scope)
	if err != nil {
		return err
	}
	if err := e.applyLocked(scope, st, sig); err != nil {
		return err
	}
	if scope == GlobalScope {
		return nil
	}

	global, err := e.scopeLocked(GlobalScope)
	if err != nil {
		return err
	}
	return e.applyLocked(GlobalScope, global, sig)
}

// applyLocked runs one reinforcement update on a scope's state. Caller
// holds e.mu.
func (e *Engine) applyLocked(scope string, st *scopeState, sig bus.EngagementSignal) error {
	var target float64
	switch sig.Outcome {
	case bus.OutcomePositive:
		target = 1
	case bus.OutcomeNegative:
		target = 0
	default:
		target = 0.5
	}

	mag := sig.Magnitude
	if mag <= 0 {
		mag = 1
	}
	step := alpha * mag

	st.traits.Enthusiasm = ema(st.traits.Enthusiasm, target, step)
	st.traits.Playfulness = ema(st.traits.Playfulness, target, step)
	st.traits.Curiosity = ema(st.traits.Curiosity, target, step)
	st.traits.Mischief = ema(st.traits.Mischief, target, step)
	st.traits.Sincerity = ema(st.traits.Sincerity, target, step*sincerityRate)

	now := time.Now().UnixMilli()
	for _, topic := range sig.Topics {
		if topic == "" {
			continue
		}
		entry := st.patterns[topic]
		delta := patternStep * mag
		if sig.Outcome == bus.OutcomeNegative {
			delta = -delta
		}
		entry.Strength = clamp01(entry.Strength + delta)
		entry.UpdatedMs = now
		if entry.Strength < patternFloor {
			delete(st.patterns, topic)
		} else {
			st.patterns[topic] = entry
		}
	}

	st.dirty = true
	st.reinforcements++
	if st.reinforcements >= flushThreshold {
		if err := e.flushScopeLocked(scope, st); err != nil {
			return err
		}
	}
	return nil
}

// DecayPatterns halves every pattern not reinforced within the stale
// horizon and drops those that fall below the floor.
func (e *Engine) DecayPatterns(scope string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.scopeLocked(scope)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-patternStaleAge).UnixMilli()
	changed := false
	for topic, entry := range st.patterns {
		if entry.UpdatedMs >= cutoff {
			continue
		}
		entry.Strength /= 2
		changed = true
		if entry.Strength < patternFloor {
			delete(st.patterns, topic)
		} else {
			st.patterns[topic] = entry
		}
	}
	if changed {
		st.dirty = true
	}
	return nil
}

// Parameters derives the generation parameters for a scope. The
// temperature tracks the expressive traits inside a fixed band so a
// run of negative signals can mute but never silence the voice.
func (e *Engine) Parameters(scope string) (Params, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.scopeLocked(scope)
	if err != nil {
		return Params{}, err
	}
	persona, err := e.personaLocked(scope, st)
	if err != nil {
		return Params{}, err
	}

	expressive := (st.traits.Playfulness + st.traits.Enthusiasm) / 2
	temp := tempBase + tempSpan*expressive
	if temp < tempBase {
		temp = tempBase
	}
	if temp > tempBase+tempSpan {
		temp = tempBase + tempSpan
	}

	return Params{
		Temperature: temp,
		Persona:     persona,
		Directives:  directives(st.traits),
	}, nil
}

// Traits returns a copy of the scope's current trait vector.
func (e *Engine) Traits(scope string) (Traits, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.scopeLocked(scope)
	if err != nil {
		return Traits{}, err
	}
	return st.traits, nil
}

// PatternStrengths returns a copy of the scope's topic pattern map.
func (e *Engine) PatternStrengths(scope string) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.scopeLocked(scope)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(st.patterns))
	for topic, entry := range st.patterns {
		out[topic] = entry.Strength
	}
	return out, nil
}

// PersonaText returns the persona a scope generates with, after
// global fallback.
func (e *Engine) PersonaText(scope string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.scopeLocked(scope)
	if err != nil {
		return "", err
	}
	return e.personaLocked(scope, st)
}

// SetPersona replaces the persona text for a scope and flushes
// immediately so an operator edit survives a crash.
func (e *Engine) SetPersona(scope, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.scopeLocked(scope)
	if err != nil {
		return err
	}
	st.persona = text
	st.dirty = true
	return e.flushScopeLocked(scope, st)
}

// Flush persists every dirty scope.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for scope, st := range e.scopes {
		if !st.dirty {
			continue
		}
		if err := e.flushScopeLocked(scope, st); err != nil {
			return err
		}
	}
	return nil
}

// scopeLocked returns the cached state for a scope, hydrating from the
// store on first touch. A destination scope with no stored row starts
// from the global traits; its persona stays unset so reads fall
// through to the global text. Caller holds e.mu.
func (e *Engine) scopeLocked(scope string) (*scopeState, error) {
	if scope == "" {
		scope = GlobalScope
	}
	if st, ok := e.scopes[scope]; ok {
		return st, nil
	}

	rec, err := e.store.LoadTraitState(scope)
	if err != nil {
		return nil, fmt.Errorf("load scope %s: %w", scope, err)
	}

	st := &scopeState{
		traits:   DefaultTraits(),
		patterns: make(map[string]patternEntry),
	}
	switch {
	case rec != nil:
		if err := json.Unmarshal([]byte(rec.TraitsJSON), &st.traits); err != nil {
			return nil, fmt.Errorf("decode traits for %s: %w", scope, err)
		}
		if rec.PatternsJSON != "" {
			if err := json.Unmarshal([]byte(rec.PatternsJSON), &st.patterns); err != nil {
				return nil, fmt.Errorf("decode patterns for %s: %w", scope, err)
			}
		}
		st.persona = rec.Persona
		st.version = rec.Version
	case scope != GlobalScope:
		global, err := e.scopeLocked(GlobalScope)
		if err != nil {
			return nil, err
		}
		st.traits = global.traits
	}
	e.scopes[scope] = st
	return st, nil
}

// personaLocked resolves the persona text for a scope: its own if set,
// the global scope's otherwise, the built-in default as the last
// resort. Caller holds e.mu.
func (e *Engine) personaLocked(scope string, st *scopeState) (string, error) {
	if st.persona != "" {
		return st.persona, nil
	}
	if scope != GlobalScope {
		global, err := e.scopeLocked(GlobalScope)
		if err != nil {
			return "", err
		}
		if global.persona != "" {
			return global.persona, nil
		}
	}
	return DefaultPersona, nil
}

// flushScopeLocked persists one scope. On a version conflict the
// stored row was advanced by another writer: refresh the version and
// save again, keeping this engine's in-memory state authoritative.
// Caller holds e.mu.
func (e *Engine) flushScopeLocked(scope string, st *scopeState) error {
	rec, err := e.encodeLocked(scope, st)
	if err != nil {
		return err
	}

	saveErr := e.store.SaveTraitState(rec)
	if errors.Is(saveErr, store.ErrVersionConflict) {
		current, err := e.store.LoadTraitState(scope)
		if err != nil {
			return fmt.Errorf("reload after conflict for %s: %w", scope, err)
		}
		if current != nil {
			rec.Version = current.Version
		} else {
			rec.Version = 0
		}
		log.Printf("[persona] version conflict on %s, retrying at version %d", scope, rec.Version)
		saveErr = e.store.SaveTraitState(rec)
	}
	if saveErr != nil {
		return fmt.Errorf("save scope %s: %w", scope, saveErr)
	}

	st.version = rec.Version
	st.dirty = false
	st.reinforcements = 0
	return nil
}

func (e *Engine) encodeLocked(scope string, st *scopeState) (*store.TraitRecord, error) {
	traitsJSON, err := json.Marshal(st.traits)
	if err != nil {
		return nil, fmt.Errorf("encode traits for %s: %w", scope, err)
	}
	patternsJSON, err := json.Marshal(st.patterns)
	if err != nil {
		return nil, fmt.Errorf("encode patterns for %s: %w", scope, err)
	}
	return &store.TraitRecord{
		Scope:        scope,
		TraitsJSON:   string(traitsJSON),
		PatternsJSON: string(patternsJSON),
		Persona:      st.persona,
		Version:      st.version,
		UpdatedAtMs:  time.Now().UnixMilli(),
	}, nil
}

func directives(t Traits) []string {
	var out []string
	if t.Playfulness > 0.65 {
		out = append(out, "Lean into playful banter.")
	}
	if t.Curiosity > 0.65 {
		out = append(out, "Ask the occasional follow-up question; you are genuinely curious.")
	}
	if t.Mischief > 0.7 {
		out = append(out, "A mischievous aside now and then is welcome.")
	}
	if t.Sincerity > 0.7 {
		out = append(out, "Drop the act and be genuine when someone brings something heavy.")
	}
	if t.Enthusiasm < 0.35 {
		out = append(out, "Keep replies low-key and brief right now.")
	}
	return out
}

func ema(old, target, step float64) float64 {
	return clamp01(old + step*(target-old))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
