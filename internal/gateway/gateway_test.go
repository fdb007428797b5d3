package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"

	"github.com/pelicanlabs/banter/internal/bus"
	"github.com/pelicanlabs/banter/internal/config"
	"github.com/pelicanlabs/banter/internal/llm"
	"github.com/pelicanlabs/banter/internal/queue"
)

type fakeRuntime struct {
	mu     sync.Mutex
	output string
	runs   int
}

func (f *fakeRuntime) Run(_ context.Context, req api.Request) (*api.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return &api.Response{Result: &api.Result{Output: f.output}}, nil
}

func (f *fakeRuntime) Close() {}

func (f *fakeRuntime) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ context.Context, _, payload string) queue.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return queue.SendResult{Outcome: queue.Delivered}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.DBPath = filepath.Join(t.TempDir(), "banter.db")
	cfg.Gateway.Port = 0
	cfg.Engagement.Chance = 0 // no unsolicited replies unless a test opts in
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, rt *fakeRuntime) (*Gateway, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	g, err := NewWithOptions(cfg, Options{
		RuntimeFactory: func(_ *config.Config, _ string, _ float64) (llm.Runtime, error) {
			return rt, nil
		},
		Sender: sender,
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	t.Cleanup(func() { _ = g.store.Close() })
	return g, sender
}

func inboundMention(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:     "telegram",
		Destination: "100",
		SenderID:    "7",
		SenderName:  "alice",
		Content:     content,
		Timestamp:   time.Now(),
		IsMention:   true,
		Metadata:    map[string]any{},
	}
}

func TestHandleInbound_MentionGeneratesAndQueues(t *testing.T) {
	rt := &fakeRuntime{output: "hey alice"}
	g, _ := newTestGateway(t, testConfig(t), rt)

	g.handleInbound(context.Background(), inboundMention("hi @banterbot"))

	if rt.runCount() != 1 {
		t.Errorf("model runs = %d, want 1", rt.runCount())
	}

	depth, err := g.queue.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1 queued reply", depth)
	}

	// Only the human message is in memory until the queue confirms
	// delivery.
	msgs, err := g.mem.Recent("telegram:100", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("window len = %d, want 1 before delivery", len(msgs))
	}

	items, err := g.store.NonTerminalItems()
	if err != nil {
		t.Fatalf("NonTerminalItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queued = %d, want 1", len(items))
	}
	g.onDeliveryOutcome(items[0], true)

	msgs, err = g.mem.Recent("telegram:100", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("window len = %d, want 2 after delivery", len(msgs))
	}
	if !msgs[1].IsBot || msgs[1].Content != "hey alice" {
		t.Errorf("reply not recorded: %+v", msgs[1])
	}
}

func TestDeliveryFailure_ReplyStaysOutOfMemory(t *testing.T) {
	rt := &fakeRuntime{output: "hey alice"}
	g, _ := newTestGateway(t, testConfig(t), rt)

	g.handleInbound(context.Background(), inboundMention("hi @banterbot"))

	items, err := g.store.NonTerminalItems()
	if err != nil {
		t.Fatalf("NonTerminalItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queued = %d, want 1", len(items))
	}
	g.onDeliveryOutcome(items[0], false)

	msgs, err := g.mem.Recent("telegram:100", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	for _, m := range msgs {
		if m.IsBot {
			t.Errorf("undelivered reply %q leaked into the window", m.Content)
		}
	}
}

func TestHandleInbound_NonMentionNotAnswered(t *testing.T) {
	rt := &fakeRuntime{output: "should not appear"}
	g, _ := newTestGateway(t, testConfig(t), rt)

	msg := inboundMention("just chatting with friends")
	msg.IsMention = false
	g.handleInbound(context.Background(), msg)

	if rt.runCount() != 0 {
		t.Errorf("model runs = %d, want 0 for unaddressed chatter", rt.runCount())
	}
	depth, _ := g.queue.Depth()
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestHandleInbound_CooldownSkipsSecondReply(t *testing.T) {
	rt := &fakeRuntime{output: "reply"}
	g, _ := newTestGateway(t, testConfig(t), rt)

	ctx := context.Background()
	g.handleInbound(ctx, inboundMention("first"))
	g.handleInbound(ctx, inboundMention("second, right away"))

	if rt.runCount() != 1 {
		t.Errorf("model runs = %d, want 1 (second within cooldown)", rt.runCount())
	}
}

func TestHandleInbound_BudgetExhaustedFallsBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Usage.DailyBudget = 1
	rt := &fakeRuntime{output: "real reply"}
	g, _ := newTestGateway(t, cfg, rt)
	cfg.Agent.CooldownSeconds = 1

	ctx := context.Background()
	g.handleInbound(ctx, inboundMention("first"))

	// Burn the cooldown, then mention again with the budget spent.
	g.mu.Lock()
	g.lastReply = make(map[string]time.Time)
	g.mu.Unlock()
	g.handleInbound(ctx, inboundMention("second"))

	if rt.runCount() != 1 {
		t.Errorf("model runs = %d, want 1 (second call over budget)", rt.runCount())
	}
	depth, _ := g.queue.Depth()
	if depth != 2 {
		t.Errorf("queue depth = %d, want 2 (reply + fallback)", depth)
	}
}

func TestHandleInbound_AdminCommand(t *testing.T) {
	rt := &fakeRuntime{output: "x"}
	g, _ := newTestGateway(t, testConfig(t), rt)

	msg := inboundMention("!status")
	msg.Metadata["is_admin"] = true
	g.handleInbound(context.Background(), msg)

	if rt.runCount() != 0 {
		t.Error("admin command must not hit the model")
	}
	items, _ := g.store.NonTerminalItems()
	if len(items) != 1 {
		t.Fatalf("queued = %d, want 1 command reply", len(items))
	}
	if !strings.Contains(items[0].Payload, "queue:") {
		t.Errorf("status reply = %q, want queue summary", items[0].Payload)
	}
	if items[0].Priority != priorityAdmin {
		t.Errorf("priority = %d, want %d", items[0].Priority, priorityAdmin)
	}
}

func TestHandleInbound_CommandFromNonAdminIgnored(t *testing.T) {
	rt := &fakeRuntime{output: "x"}
	g, _ := newTestGateway(t, testConfig(t), rt)

	msg := inboundMention("!wipememory")
	msg.IsMention = false
	g.handleInbound(context.Background(), msg)

	items, _ := g.store.NonTerminalItems()
	if len(items) != 0 {
		t.Errorf("non-admin command produced a reply: %+v", items)
	}
}

func TestHandleCommand_Personality(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), &fakeRuntime{})

	msg := inboundMention("!personality")
	out := g.handleCommand(msg)
	if !strings.Contains(out, "curiosity") || !strings.Contains(out, "mischief") {
		t.Errorf("personality reply = %q, want trait summary", out)
	}
}

func TestHandleCommand_SetPersonaRoundTrip(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), &fakeRuntime{})

	out := g.handleCommand(inboundMention("!setpersona You are a very serious librarian."))
	if out != "persona updated" {
		t.Fatalf("reply = %q", out)
	}
	text, err := g.traits.PersonaText("global")
	if err != nil {
		t.Fatalf("PersonaText: %v", err)
	}
	if text != "You are a very serious librarian." {
		t.Errorf("persona = %q", text)
	}
}

func TestHandleCommand_ClearQueue(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), &fakeRuntime{output: "r"})

	if _, err := g.queue.Enqueue("telegram:100", "stale", priorityReply); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := g.handleCommand(inboundMention("!clearqueue"))
	if !strings.Contains(out, "1") {
		t.Errorf("reply = %q, want count of 1", out)
	}
	depth, _ := g.queue.Depth()
	if depth != 0 {
		t.Errorf("depth = %d after clear", depth)
	}
}

func TestSnapshot(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), &fakeRuntime{output: "r"})

	g.handleInbound(context.Background(), inboundMention("hello there friend"))

	snap, err := g.snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.QueueDepth != 1 {
		t.Errorf("queue depth = %d, want 1", snap.QueueDepth)
	}
	if snap.UsageToday != 1 {
		t.Errorf("usage today = %d, want 1", snap.UsageToday)
	}
	if snap.Messages != 1 {
		t.Errorf("messages = %d, want the inbound message only", snap.Messages)
	}
	if len(snap.Traits) != 5 {
		t.Errorf("traits = %v, want all five", snap.Traits)
	}
}

func TestClassifyOutcome(t *testing.T) {
	cases := []struct {
		content string
		want    bus.SignalOutcome
	}{
		{"haha that was great", bus.OutcomePositive},
		{"thanks, good bot", bus.OutcomePositive},
		{"shut up, you are so annoying", bus.OutcomeNegative},
		{"what time is the meeting", bus.OutcomeNeutral},
		{"lol stop", bus.OutcomeNegative}, // negatives outweigh
	}
	for _, tc := range cases {
		got, mag := classifyOutcome(tc.content)
		if got != tc.want {
			t.Errorf("classifyOutcome(%q) = %v, want %v", tc.content, got, tc.want)
		}
		if mag <= 0 || mag > 2 {
			t.Errorf("magnitude for %q = %f, out of (0,2]", tc.content, mag)
		}
	}
}

func TestExtractTopics(t *testing.T) {
	topics := extractTopics("I started learning guitar and music theory, really enjoying guitar")
	if len(topics) > 3 {
		t.Fatalf("topics = %v, want at most 3", topics)
	}
	found := false
	for _, topic := range topics {
		if topic == "guitar" {
			found = true
		}
		if topic == "really" {
			t.Error("stopword leaked into topics")
		}
	}
	if !found {
		t.Errorf("topics = %v, want guitar", topics)
	}

	if got := extractTopics("ok"); len(got) != 0 {
		t.Errorf("topics for short message = %v, want none", got)
	}
}

func TestRun_ShutdownOnSignal(t *testing.T) {
	cfg := testConfig(t)
	sigCh := make(chan os.Signal, 1)
	sender := &fakeSender{}
	g, err := NewWithOptions(cfg, Options{
		RuntimeFactory: func(_ *config.Config, _ string, _ float64) (llm.Runtime, error) {
			return &fakeRuntime{output: "r"}, nil
		},
		Sender:     sender,
		SignalChan: sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	sigCh <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not shut down")
	}
}
