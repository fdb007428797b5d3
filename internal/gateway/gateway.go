package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pelicanlabs/banter/internal/bus"
	"github.com/pelicanlabs/banter/internal/channel"
	"github.com/pelicanlabs/banter/internal/config"
	"github.com/pelicanlabs/banter/internal/cron"
	"github.com/pelicanlabs/banter/internal/engage"
	"github.com/pelicanlabs/banter/internal/health"
	"github.com/pelicanlabs/banter/internal/llm"
	"github.com/pelicanlabs/banter/internal/memory"
	"github.com/pelicanlabs/banter/internal/persona"
	"github.com/pelicanlabs/banter/internal/queue"
	"github.com/pelicanlabs/banter/internal/store"
	"github.com/pelicanlabs/banter/internal/usage"
)

const (
	historyWindow = 20
	maxReplyDelay = 3 * time.Second

	priorityAdmin       = 0
	priorityReply       = 1
	priorityUnsolicited = 2
)

// Options for creating a Gateway, with injection points for testing.
type Options struct {
	RuntimeFactory llm.RuntimeFactory
	Sender         queue.Sender   // overrides the channel-backed sender
	SignalChan     chan os.Signal // for testing signal handling
}

// Gateway wires the channels, delivery queue, adaptation engine,
// memory, engagement scheduler and usage governor into one running
// agent.
type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	store    *store.Store
	queue    *queue.Service
	traits   *persona.Engine
	mem      *memory.Manager
	sched    *engage.Scheduler
	gov      *usage.Governor
	gen      *llm.Generator
	channels *channel.Manager
	cron     *cron.Service
	health   *health.Server

	signalChan chan os.Signal
	started    time.Time

	mu        sync.Mutex
	lastReply map[string]time.Time // identity -> last reply time
	rng       *rand.Rand
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		signalChan: opts.SignalChan,
		started:    time.Now(),
		lastReply:  make(map[string]time.Time),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	st, err := store.Open(config.DBPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	chMgr, err := channel.NewManager(cfg.Channels, g.bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	sender := opts.Sender
	if sender == nil {
		sender = channel.NewSender(chMgr)
	}
	g.queue = queue.NewService(cfg.Queue, st, sender)
	g.queue.OnOutcome = g.onDeliveryOutcome

	g.traits = persona.NewEngine(st)
	g.mem = memory.NewManager(st, cfg.Memory)
	g.sched = engage.NewScheduler(cfg.Engagement)
	g.gov = usage.NewGovernor(st, cfg.Usage)
	g.gen = llm.NewGenerator(cfg, opts.RuntimeFactory)

	g.bus.SubscribeSignals(func(sig bus.EngagementSignal) {
		if err := g.traits.Reinforce(sig); err != nil {
			log.Printf("[gateway] reinforce warning: %v", err)
		}
	})

	g.cron = cron.NewService()
	g.registerJobs()

	g.health = health.NewServer(cfg.Gateway, g.snapshot)

	return g, nil
}

func (g *Gateway) registerJobs() {
	g.cron.Register("memory-prune", "5 * * * *", func() error {
		_, err := g.mem.Prune()
		return err
	})
	g.cron.Register("pattern-decay", "30 3 * * *", func() error {
		return g.traits.DecayPatterns(persona.GlobalScope)
	})
	g.cron.Register("usage-archive", "15 0 * * *", func() error {
		_, err := g.gov.Prune(90)
		return err
	})
	g.cron.Register("queue-gc", "45 2 * * *", func() error {
		cutoff := time.Now().Add(-7 * 24 * time.Hour).UnixMilli()
		_, err := g.store.PruneTerminal(cutoff)
		return err
	})
	g.cron.Register("engage-sweep", "*/30 * * * *", func() error {
		g.sched.Sweep()
		return nil
	})
	g.cron.Register("spontaneous", "*/20 * * * *", func() error {
		g.trySpontaneous(context.Background())
		return nil
	})
}

// onDeliveryOutcome turns terminal queue outcomes into engagement
// signals: a landed message is mildly positive, a permanently failed
// one mildly negative. Delivered conversational replies also enter the
// memory window here, so a message that never reached the chat never
// shows up in later prompts. Admin command output stays out of the
// window either way.
func (g *Gateway) onDeliveryOutcome(item store.QueueItem, delivered bool) {
	if delivered && item.Priority != priorityAdmin {
		if err := g.mem.Record(store.Message{
			Destination: item.Destination,
			Author:      "banter",
			Content:     item.Payload,
			IsBot:       true,
		}); err != nil {
			log.Printf("[gateway] record reply warning: %v", err)
		}
	}

	outcome := bus.OutcomePositive
	if !delivered {
		outcome = bus.OutcomeNegative
	}
	g.bus.PublishSignal(bus.EngagementSignal{
		Scope:     item.Destination,
		Outcome:   outcome,
		Magnitude: 0.25,
	})
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchSignals(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	g.traits.Start(ctx)

	if err := g.cron.Start(); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	g.health.Start()

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

	destKey := msg.DestinationKey()
	g.sched.NoteActivity(destKey)

	if _, err := g.mem.Touch(msg.SenderID, msg.SenderName); err != nil {
		log.Printf("[gateway] touch identity warning: %v", err)
	}
	if err := g.mem.Record(store.Message{
		Destination: destKey,
		Author:      msg.SenderName,
		AuthorID:    msg.SenderID,
		Content:     msg.Content,
		CreatedAtMs: msg.Timestamp.UnixMilli(),
	}); err != nil {
		log.Printf("[gateway] record message warning: %v", err)
	}

	if isAdmin(msg) && strings.HasPrefix(msg.Content, "!") {
		if reply := g.handleCommand(msg); reply != "" {
			if _, err := g.queue.Enqueue(destKey, reply, priorityAdmin); err != nil {
				log.Printf("[gateway] enqueue command reply: %v", err)
			}
		}
		return
	}

	// Every human message nudges the traits.
	outcome, magnitude := classifyOutcome(msg.Content)
	g.bus.PublishSignal(bus.EngagementSignal{
		Scope:     destKey,
		Topics:    extractTopics(msg.Content),
		Outcome:   outcome,
		Magnitude: magnitude,
	})
	if outcome == bus.OutcomePositive {
		_ = g.mem.BumpEngagement(msg.SenderID, 1, 0.95)
	}

	switch {
	case msg.IsMention:
		if g.onCooldown(msg.SenderID) {
			log.Printf("[gateway] cooldown active for %s, skipping reply", msg.SenderID)
			return
		}
		g.respond(ctx, destKey, msg, false)
	case g.sched.ShouldEngage(destKey):
		g.respond(ctx, destKey, msg, true)
	}
}

// respond generates one reply and hands it to the delivery queue. A
// mention always gets something back, degrading to a canned line when
// the budget is spent or the model fails; an unsolicited opportunity
// is simply dropped in those cases.
func (g *Gateway) respond(ctx context.Context, destKey string, msg bus.InboundMessage, unsolicited bool) {
	ok, err := g.gov.TryConsume()
	if err != nil {
		log.Printf("[gateway] usage check error: %v", err)
		return
	}
	if !ok {
		if !unsolicited {
			g.deliver(destKey, llm.Fallback(), priorityReply, msg.SenderID)
		}
		return
	}

	params, err := g.traits.Parameters(destKey)
	if err != nil {
		log.Printf("[gateway] persona parameters error: %v", err)
		return
	}

	prompt, err := g.buildPrompt(destKey, msg, unsolicited)
	if err != nil {
		log.Printf("[gateway] build prompt error: %v", err)
		return
	}

	out, err := g.gen.Generate(ctx, llm.Request{
		Persona:     params.Persona,
		Directives:  params.Directives,
		Temperature: params.Temperature,
		Prompt:      prompt,
		SessionID:   destKey,
	})
	if err != nil {
		log.Printf("[gateway] generate error (%v): %v", llm.Classify(err), err)
		out = ""
	}
	if out == "" {
		if unsolicited {
			return
		}
		out = llm.Fallback()
	}

	priority := priorityReply
	if unsolicited {
		priority = priorityUnsolicited
	}
	g.deliver(destKey, out, priority, msg.SenderID)
}

// deliver enqueues the bot's message with a short human-feel delay and
// arms the per-identity cooldown. The message enters the memory window
// once the queue confirms delivery.
func (g *Gateway) deliver(destKey, content string, priority int, identity string) {
	g.mu.Lock()
	delay := time.Duration(g.rng.Int63n(int64(maxReplyDelay)))
	if identity != "" {
		g.lastReply[identity] = time.Now()
	}
	g.mu.Unlock()

	if _, err := g.queue.EnqueueDelayed(destKey, content, priority, delay); err != nil {
		log.Printf("[gateway] enqueue reply: %v", err)
	}
}

// trySpontaneous gives each active destination one unsolicited-message
// opportunity.
func (g *Gateway) trySpontaneous(ctx context.Context) {
	for _, destKey := range g.sched.ActiveDestinations() {
		if !g.sched.ShouldEngage(destKey) {
			continue
		}
		ok, err := g.gov.TryConsume()
		if err != nil || !ok {
			return
		}

		params, err := g.traits.Parameters(destKey)
		if err != nil {
			continue
		}
		seed := g.sched.SpontaneousPrompt()
		out, err := g.gen.Generate(ctx, llm.Request{
			Persona:     params.Persona,
			Directives:  params.Directives,
			Temperature: params.Temperature,
			Prompt:      "The chat has gone quiet. Start a new thread of conversation, in your own voice, riffing on: " + seed,
			SessionID:   destKey,
		})
		if err != nil || out == "" {
			continue
		}
		g.deliver(destKey, out, priorityUnsolicited, "")
	}
}

// buildPrompt renders the recent window plus the triggering message.
func (g *Gateway) buildPrompt(destKey string, msg bus.InboundMessage, unsolicited bool) (string, error) {
	history, err := g.mem.Recent(destKey, historyWindow)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, m := range history {
			author := m.Author
			if m.IsBot {
				author = "you"
			}
			fmt.Fprintf(&sb, "%s: %s\n", author, m.Content)
		}
		sb.WriteString("\n")
	}
	if unsolicited {
		fmt.Fprintf(&sb, "You were not addressed, but you feel like chiming in on what %s just said. Keep it brief and natural.", msg.SenderName)
	} else {
		fmt.Fprintf(&sb, "%s says to you: %s", msg.SenderName, msg.Content)
	}
	return sb.String(), nil
}

func (g *Gateway) onCooldown(identity string) bool {
	cooldown := time.Duration(g.cfg.Agent.CooldownSeconds) * time.Second
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastReply[identity]
	return ok && time.Since(last) < cooldown
}

// snapshot assembles the /status payload.
func (g *Gateway) snapshot() (health.Snapshot, error) {
	depth, err := g.queue.Depth()
	if err != nil {
		return health.Snapshot{}, err
	}
	consumed, budget, err := g.gov.Today()
	if err != nil {
		return health.Snapshot{}, err
	}
	tr, err := g.traits.Traits(persona.GlobalScope)
	if err != nil {
		return health.Snapshot{}, err
	}
	destinations, messages, err := g.mem.Stats()
	if err != nil {
		return health.Snapshot{}, err
	}

	return health.Snapshot{
		Channels:    g.channels.EnabledChannels(),
		QueueDepth:  depth,
		UsageToday:  consumed,
		UsageBudget: budget,
		Traits: map[string]float64{
			"curiosity":   tr.Curiosity,
			"playfulness": tr.Playfulness,
			"enthusiasm":  tr.Enthusiasm,
			"sincerity":   tr.Sincerity,
			"mischief":    tr.Mischief,
		},
		Destinations: destinations,
		Messages:     messages,
		Jobs:         g.cron.Status(),
	}, nil
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	g.queue.Stop()
	g.traits.Stop()
	_ = g.channels.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.health.Stop(shutdownCtx); err != nil {
		log.Printf("[gateway] health server stop warning: %v", err)
	}

	g.gen.Close()
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func isAdmin(msg bus.InboundMessage) bool {
	v, ok := msg.Metadata["is_admin"].(bool)
	return ok && v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
