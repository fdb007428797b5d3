package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pelicanlabs/banter/internal/config"
	"github.com/pelicanlabs/banter/internal/store"
)

// ErrQueueFull is returned by Enqueue under the reject-newest overflow
// policy when the pending depth has reached the configured maximum.
var ErrQueueFull = errors.New("queue full")

const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
	sendTimeout = 10 * time.Second
)

type Outcome int

const (
	Delivered Outcome = iota
	RateLimited
	PermanentFailure
)

type SendResult struct {
	Outcome    Outcome
	RetryAfter time.Duration // advertised by the limiter, zero if none
	Err        error
}

// Sender delivers one payload to a destination and classifies the result.
type Sender interface {
	Send(ctx context.Context, destination, payload string) SendResult
}

// Service is the persistent rate-limited delivery queue. Every item is
// written through to the store on enqueue and on every state change, so
// a restart resumes exactly where the previous process stopped. A
// single dispatcher goroutine serializes attempts per destination.
type Service struct {
	cfg    config.QueueConfig
	store  *store.Store
	sender Sender

	// OnOutcome observes terminal delivery outcomes (delivered or
	// permanently failed). Set before Start.
	OnOutcome func(item store.QueueItem, delivered bool)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rng      *rand.Rand

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(cfg config.QueueConfig, st *store.Store, sender Sender) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sender:   sender,
		limiters: make(map[string]*rate.Limiter),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue durably appends an outbound message. It fails only when the
// store write fails or the overflow policy rejects it; it never
// silently drops.
func (s *Service) Enqueue(destination, payload string, priority int) (string, error) {
	return s.EnqueueDelayed(destination, payload, priority, 0)
}

// EnqueueDelayed is Enqueue with an initial hold-off, used for the
// human-feel reply delay.
func (s *Service) EnqueueDelayed(destination, payload string, priority int, delay time.Duration) (string, error) {
	depth, err := s.store.QueueDepth()
	if err != nil {
		return "", fmt.Errorf("enqueue depth check: %w", err)
	}
	if depth >= s.cfg.MaxDepth {
		if s.cfg.OverflowPolicy == "drop-oldest" {
			dropped, err := s.store.DropOldestPending(destination)
			if err != nil {
				return "", fmt.Errorf("enqueue overflow: %w", err)
			}
			if dropped != "" {
				log.Printf("[queue] overflow: dropped oldest pending item %s for %s", dropped, destination)
			}
		} else {
			log.Printf("[queue] overflow: rejecting enqueue for %s at depth %d", destination, depth)
			return "", ErrQueueFull
		}
	}

	now := time.Now()
	item := store.QueueItem{
		ID:           uuid.NewString(),
		Destination:  destination,
		Payload:      payload,
		Priority:     priority,
		EnqueuedAtMs: now.UnixMilli(),
		NotBeforeMs:  now.Add(delay).UnixMilli(),
		State:        store.StatePending,
	}
	if err := s.store.InsertQueueItem(item); err != nil {
		return "", err
	}
	return item.ID, nil
}

// Start recovers non-terminal items from the store and runs the
// dispatch loop until the context is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if err := s.recover(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	tick := time.Duration(s.cfg.TickMs) * time.Millisecond
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.dispatchTick(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()

	log.Printf("[queue] dispatch loop started (tick %s, rate %.2f/s burst %d)", tick, s.cfg.RatePerSec, s.cfg.Burst)
	return nil
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	log.Printf("[queue] stopped")
}

// recover resets items left in-flight by a crashed process back to
// pending. Their not_before and attempt_count are honored, not reset.
func (s *Service) recover() error {
	items, err := s.store.NonTerminalItems()
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	recovered := 0
	for _, item := range items {
		if item.State == store.StateInFlight {
			item.State = store.StatePending
			if err := s.store.UpdateQueueItem(item); err != nil {
				return fmt.Errorf("recover queue item %s: %w", item.ID, err)
			}
			recovered++
		}
	}
	if len(items) > 0 {
		log.Printf("[queue] recovered %d non-terminal items (%d were in flight)", len(items), recovered)
	}
	return nil
}

// dispatchTick attempts delivery for each destination's frontmost
// eligible item, in priority-then-FIFO order. A destination whose head
// item is deferred (future not_before or empty token bucket) is blocked
// for the rest of the tick so later items cannot overtake it.
func (s *Service) dispatchTick(ctx context.Context) {
	items, err := s.store.NonTerminalItems()
	if err != nil {
		log.Printf("[queue] dispatch load error: %v", err)
		return
	}

	now := time.Now().UnixMilli()
	blocked := make(map[string]bool)

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if blocked[item.Destination] || item.State != store.StatePending {
			blocked[item.Destination] = true
			continue
		}
		if item.NotBeforeMs > now {
			blocked[item.Destination] = true
			continue
		}
		if !s.limiterFor(item.Destination).Allow() {
			// Zero tokens: defer everything for this destination
			// without consuming an attempt.
			blocked[item.Destination] = true
			continue
		}
		s.attempt(ctx, item)
		blocked[item.Destination] = true
	}
}

func (s *Service) attempt(ctx context.Context, item store.QueueItem) {
	item.State = store.StateInFlight
	item.AttemptCount++
	if err := s.store.UpdateQueueItem(item); err != nil {
		log.Printf("[queue] mark in-flight %s: %v", item.ID, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	res := s.sender.Send(sendCtx, item.Destination, item.Payload)
	cancel()
	if sendCtx.Err() == context.DeadlineExceeded && res.Outcome == Delivered {
		// A timed-out attempt is never trusted as delivered.
		res = SendResult{Outcome: RateLimited, Err: sendCtx.Err()}
	}

	switch res.Outcome {
	case Delivered:
		item.State = store.StateDelivered
		if err := s.store.UpdateQueueItem(item); err != nil {
			log.Printf("[queue] mark delivered %s: %v", item.ID, err)
			return
		}
		log.Printf("[queue] delivered %s to %s (attempt %d)", item.ID, item.Destination, item.AttemptCount)
		if s.OnOutcome != nil {
			s.OnOutcome(item, true)
		}

	case RateLimited:
		if item.AttemptCount >= s.cfg.MaxAttempts {
			s.fail(item, res.Err)
			return
		}
		delay := res.RetryAfter
		if delay <= 0 {
			delay = s.backoff(item.AttemptCount)
		}
		item.State = store.StatePending
		nb := time.Now().Add(delay).UnixMilli()
		if nb > item.NotBeforeMs {
			// not_before only ever moves forward.
			item.NotBeforeMs = nb
		}
		if err := s.store.UpdateQueueItem(item); err != nil {
			log.Printf("[queue] defer %s: %v", item.ID, err)
			return
		}
		log.Printf("[queue] rate limited on %s, retry %s in %s (attempt %d/%d)",
			item.Destination, item.ID, delay.Round(time.Millisecond), item.AttemptCount, s.cfg.MaxAttempts)

	case PermanentFailure:
		s.fail(item, res.Err)
	}
}

func (s *Service) fail(item store.QueueItem, cause error) {
	item.State = store.StateFailed
	if err := s.store.UpdateQueueItem(item); err != nil {
		log.Printf("[queue] mark failed %s: %v", item.ID, err)
		return
	}
	log.Printf("[queue] permanent failure for %s to %s after %d attempts: %v",
		item.ID, item.Destination, item.AttemptCount, cause)
	if s.OnOutcome != nil {
		s.OnOutcome(item, false)
	}
}

// backoff returns the exponential retry delay with ±20% jitter.
func (s *Service) backoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	s.mu.Lock()
	jitter := 0.8 + 0.4*s.rng.Float64()
	s.mu.Unlock()
	return time.Duration(float64(d) * jitter)
}

func (s *Service) limiterFor(destination string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[destination]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.Burst)
		s.limiters[destination] = lim
	}
	return lim
}

// setLimiter overrides the token bucket for a destination (tests).
func (s *Service) setLimiter(destination string, lim *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[destination] = lim
}

func (s *Service) Depth() (int, error) {
	return s.store.QueueDepth()
}

// Clear drops every pending item. Admin surface only.
func (s *Service) Clear() (int64, error) {
	n, err := s.store.ClearPending()
	if err != nil {
		return 0, err
	}
	log.Printf("[queue] cleared %d pending items", n)
	return n, nil
}
