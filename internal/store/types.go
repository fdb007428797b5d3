package store

// Queue item states. A terminal item (delivered, failed) is never
// re-dispatched.
const (
	StatePending   = "pending"
	StateInFlight  = "inflight"
	StateDelivered = "delivered"
	StateFailed    = "failed"
)

type QueueItem struct {
	ID           string
	Destination  string
	Payload      string
	Priority     int // lower dispatches first
	EnqueuedAtMs int64
	NotBeforeMs  int64
	AttemptCount int
	State        string
}

func (i *QueueItem) Terminal() bool {
	return i.State == StateDelivered || i.State == StateFailed
}

// TraitRecord is the persisted form of one adaptation scope: trait and
// pattern maps are stored as JSON blobs, version drives optimistic
// concurrency.
type TraitRecord struct {
	Scope        string
	TraitsJSON   string
	PatternsJSON string
	Persona      string
	Version      int64
	UpdatedAtMs  int64
}

type Message struct {
	ID          int64
	Destination string
	Author      string
	AuthorID    string
	Content     string
	IsBot       bool
	CreatedAtMs int64
}

type IdentityProfile struct {
	Identity         string
	Name             string
	InteractionCount int64
	EngagementScore  float64
	LastSeenMs       int64
}
