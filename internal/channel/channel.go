package channel

import (
	"context"

	"github.com/pelicanlabs/banter/internal/bus"
)

// Channel is one chat surface the agent lives on.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries the pieces every channel shares: its name, the
// message bus, the sender allowlist, and the admin list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	admins    map[string]bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom, admins []string) BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allow[id] = true
	}
	adm := make(map[string]bool, len(admins))
	for _, id := range admins {
		adm[id] = true
	}
	return BaseChannel{name: name, bus: b, allowFrom: allow, admins: adm}
}

func (b *BaseChannel) Name() string {
	return b.name
}

// IsAllowed reports whether a sender may talk to the agent. An empty
// allowlist admits everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	return b.allowFrom[senderID]
}

// IsAdmin reports whether a sender may run operator commands.
func (b *BaseChannel) IsAdmin(senderID string) bool {
	return b.admins[senderID]
}
