package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus carries inbound platform events to the gateway and
// engagement signals from delivery outcomes back to subscribers.
// Signal delivery is best-effort: the adaptation loop is eventually
// consistent, so a full buffer drops the signal with a log line rather
// than blocking a send path.
type MessageBus struct {
	Inbound chan InboundMessage
	Signals chan EngagementSignal

	mu         sync.RWMutex
	signalSubs []func(EngagementSignal)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		Inbound: make(chan InboundMessage, bufSize),
		Signals: make(chan EngagementSignal, bufSize),
	}
}

func (b *MessageBus) SubscribeSignals(fn func(EngagementSignal)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signalSubs = append(b.signalSubs, fn)
}

func (b *MessageBus) PublishSignal(sig EngagementSignal) {
	select {
	case b.Signals <- sig:
	default:
		log.Printf("[bus] signal buffer full, dropping signal for scope %s", sig.Scope)
	}
}

func (b *MessageBus) DispatchSignals(ctx context.Context) {
	for {
		select {
		case sig := <-b.Signals:
			b.mu.RLock()
			subs := make([]func(EngagementSignal), len(b.signalSubs))
			copy(subs, b.signalSubs)
			b.mu.RUnlock()
			for _, fn := range subs {
				fn(sig)
			}
		case <-ctx.Done():
			return
		}
	}
}
