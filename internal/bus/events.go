package bus

import "time"

type InboundMessage struct {
	Channel     string
	Destination string // chat/channel the message arrived in
	SenderID    string
	SenderName  string
	Content     string
	Timestamp   time.Time
	IsMention   bool
	Metadata    map[string]any
}

// DestinationKey scopes queue, memory and engagement state to one chat.
func (m *InboundMessage) DestinationKey() string {
	return m.Channel + ":" + m.Destination
}

type OutboundMessage struct {
	Channel     string
	Destination string
	Content     string
	ReplyTo     string
}

type SignalOutcome int

const (
	OutcomeNeutral SignalOutcome = iota
	OutcomePositive
	OutcomeNegative
)

// EngagementSignal feeds delivery and interaction outcomes back into the
// adaptation engine. Topics are normalized token keys extracted from the
// exchange that produced the signal.
type EngagementSignal struct {
	Scope     string
	Topics    []string
	Outcome   SignalOutcome
	Magnitude float64
}
