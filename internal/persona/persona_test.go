package persona

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/pelicanlabs/banter/internal/bus"
	"github.com/pelicanlabs/banter/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "persona.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewEngine(st), st
}

func TestReinforce_PositiveMovesTowardOne(t *testing.T) {
	e, _ := newTestEngine(t)

	before, err := e.Traits("global")
	if err != nil {
		t.Fatalf("Traits: %v", err)
	}
	if err := e.Reinforce(bus.EngagementSignal{Scope: "global", Outcome: bus.OutcomePositive, Magnitude: 1}); err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	after, _ := e.Traits("global")

	if after.Enthusiasm <= before.Enthusiasm {
		t.Errorf("enthusiasm %f -> %f, want increase", before.Enthusiasm, after.Enthusiasm)
	}
	if after.Playfulness <= before.Playfulness {
		t.Errorf("playfulness %f -> %f, want increase", before.Playfulness, after.Playfulness)
	}

	wantEnth := before.Enthusiasm + alpha*(1-before.Enthusiasm)
	if math.Abs(after.Enthusiasm-wantEnth) > 1e-9 {
		t.Errorf("enthusiasm = %f, want EMA step to %f", after.Enthusiasm, wantEnth)
	}

	// Sincerity moves at half rate.
	wantSinc := before.Sincerity + alpha*sincerityRate*(1-before.Sincerity)
	if math.Abs(after.Sincerity-wantSinc) > 1e-9 {
		t.Errorf("sincerity = %f, want half-rate step to %f", after.Sincerity, wantSinc)
	}
}

func TestReinforce_TraitsStayBounded(t *testing.T) {
	e, _ := newTestEngine(t)

	for i := 0; i < 500; i++ {
		if err := e.Reinforce(bus.EngagementSignal{Scope: "s", Outcome: bus.OutcomePositive, Magnitude: 3}); err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}
	tr, _ := e.Traits("s")
	for name, v := range map[string]float64{
		"curiosity": tr.Curiosity, "playfulness": tr.Playfulness,
		"enthusiasm": tr.Enthusiasm, "sincerity": tr.Sincerity, "mischief": tr.Mischief,
	} {
		if v < 0 || v > 1 {
			t.Errorf("%s = %f, out of [0,1]", name, v)
		}
	}

	for i := 0; i < 500; i++ {
		if err := e.Reinforce(bus.EngagementSignal{Scope: "s", Outcome: bus.OutcomeNegative, Magnitude: 3}); err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}
	tr, _ = e.Traits("s")
	if tr.Enthusiasm < 0 || tr.Enthusiasm > 1 {
		t.Errorf("enthusiasm = %f after negative run, out of [0,1]", tr.Enthusiasm)
	}
}

func TestReinforce_NeutralConvergesToMidpoint(t *testing.T) {
	e, _ := newTestEngine(t)

	for i := 0; i < 400; i++ {
		if err := e.Reinforce(bus.EngagementSignal{Scope: "s", Outcome: bus.OutcomeNeutral}); err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}
	tr, _ := e.Traits("s")
	if math.Abs(tr.Enthusiasm-0.5) > 0.01 {
		t.Errorf("enthusiasm = %f, want ~0.5 after neutral run", tr.Enthusiasm)
	}
}

func TestReinforce_TopicsTracked(t *testing.T) {
	e, _ := newTestEngine(t)

	sig := bus.EngagementSignal{Scope: "s", Topics: []string{"music"}, Outcome: bus.OutcomePositive, Magnitude: 1}
	for i := 0; i < 3; i++ {
		if err := e.Reinforce(sig); err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}

	patterns, err := e.PatternStrengths("s")
	if err != nil {
		t.Fatalf("PatternStrengths: %v", err)
	}
	if patterns["music"] <= 0 {
		t.Errorf("music strength = %f, want > 0", patterns["music"])
	}
	if patterns["music"] > 1 {
		t.Errorf("music strength = %f, want <= 1", patterns["music"])
	}
}

func TestParameters_TemperatureBand(t *testing.T) {
	e, _ := newTestEngine(t)

	for i := 0; i < 300; i++ {
		_ = e.Reinforce(bus.EngagementSignal{Scope: "hot", Outcome: bus.OutcomePositive, Magnitude: 2})
		_ = e.Reinforce(bus.EngagementSignal{Scope: "cold", Outcome: bus.OutcomeNegative, Magnitude: 2})
	}

	hot, err := e.Parameters("hot")
	if err != nil {
		t.Fatalf("Parameters: %v", err)
	}
	cold, _ := e.Parameters("cold")

	if hot.Temperature < tempBase || hot.Temperature > tempBase+tempSpan {
		t.Errorf("hot temperature = %f, out of band", hot.Temperature)
	}
	if cold.Temperature < tempBase || cold.Temperature > tempBase+tempSpan {
		t.Errorf("cold temperature = %f, out of band", cold.Temperature)
	}
	if hot.Temperature <= cold.Temperature {
		t.Errorf("hot %f <= cold %f, want positive signals to raise temperature", hot.Temperature, cold.Temperature)
	}
	if hot.Persona == "" {
		t.Error("persona text missing from parameters")
	}
}

func TestFlushAndReload_RoundTrip(t *testing.T) {
	e, st := newTestEngine(t)

	for i := 0; i < 10; i++ {
		if err := e.Reinforce(bus.EngagementSignal{Scope: "s", Topics: []string{"cats"}, Outcome: bus.OutcomePositive, Magnitude: 1}); err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}
	want, _ := e.Traits("s")
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	fresh := NewEngine(st)
	got, err := fresh.Traits("s")
	if err != nil {
		t.Fatalf("Traits after reload: %v", err)
	}
	if math.Abs(got.Enthusiasm-want.Enthusiasm) > 1e-9 {
		t.Errorf("reloaded enthusiasm = %f, want %f", got.Enthusiasm, want.Enthusiasm)
	}
	patterns, _ := fresh.PatternStrengths("s")
	if patterns["cats"] <= 0 {
		t.Errorf("pattern lost across reload: %v", patterns)
	}
}

func TestReplayAfterCrash_StaysNearBaseline(t *testing.T) {
	e, st := newTestEngine(t)

	window := []bus.EngagementSignal{
		{Scope: "s", Topics: []string{"music"}, Outcome: bus.OutcomePositive, Magnitude: 1},
		{Scope: "s", Outcome: bus.OutcomeNeutral, Magnitude: 1},
		{Scope: "s", Outcome: bus.OutcomePositive, Magnitude: 1},
		{Scope: "s", Topics: []string{"music"}, Outcome: bus.OutcomeNegative, Magnitude: 1},
		{Scope: "s", Outcome: bus.OutcomePositive, Magnitude: 1},
	}
	for _, sig := range window {
		if err := e.Reinforce(sig); err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}
	baseline, _ := e.Traits("s")
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Apply the window again without flushing, then drop the engine:
	// those reinforcements are the lost window a crash leaves behind.
	for _, sig := range window {
		if err := e.Reinforce(sig); err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}

	recovered := NewEngine(st)
	for _, sig := range window {
		if err := recovered.Reinforce(sig); err != nil {
			t.Fatalf("replay Reinforce: %v", err)
		}
	}
	replayed, err := recovered.Traits("s")
	if err != nil {
		t.Fatalf("Traits after replay: %v", err)
	}

	// Each EMA step moves a trait by at most alpha*magnitude, so the
	// replayed window cannot drift further than that per signal.
	maxDrift := float64(len(window)) * alpha
	for name, pair := range map[string][2]float64{
		"curiosity":   {baseline.Curiosity, replayed.Curiosity},
		"playfulness": {baseline.Playfulness, replayed.Playfulness},
		"enthusiasm":  {baseline.Enthusiasm, replayed.Enthusiasm},
		"sincerity":   {baseline.Sincerity, replayed.Sincerity},
		"mischief":    {baseline.Mischief, replayed.Mischief},
	} {
		if pair[1] < 0 || pair[1] > 1 {
			t.Errorf("%s = %f after replay, out of [0,1]", name, pair[1])
		}
		if math.Abs(pair[1]-pair[0]) > maxDrift {
			t.Errorf("%s drifted %f from baseline, want <= %f", name, math.Abs(pair[1]-pair[0]), maxDrift)
		}
	}
}

func TestFlush_VersionConflictResolved(t *testing.T) {
	e, st := newTestEngine(t)

	if err := e.Reinforce(bus.EngagementSignal{Scope: "s", Outcome: bus.OutcomePositive}); err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("first flush: %v", err)
	}

	// A second engine advances the stored version behind this one's back.
	other := NewEngine(st)
	if err := other.Reinforce(bus.EngagementSignal{Scope: "s", Outcome: bus.OutcomeNegative}); err != nil {
		t.Fatalf("other Reinforce: %v", err)
	}
	if err := other.Flush(); err != nil {
		t.Fatalf("other flush: %v", err)
	}

	if err := e.Reinforce(bus.EngagementSignal{Scope: "s", Outcome: bus.OutcomePositive}); err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("conflicted flush should retry and succeed: %v", err)
	}

	rec, err := st.LoadTraitState("s")
	if err != nil || rec == nil {
		t.Fatalf("LoadTraitState: rec=%v err=%v", rec, err)
	}
	if rec.Version < 3 {
		t.Errorf("stored version = %d, want >= 3 after three flushes", rec.Version)
	}
}

func TestSetPersona_PersistsImmediately(t *testing.T) {
	e, st := newTestEngine(t)

	if err := e.SetPersona("global", "You are Banter, keeper of terrible puns."); err != nil {
		t.Fatalf("SetPersona: %v", err)
	}

	fresh := NewEngine(st)
	text, err := fresh.PersonaText("global")
	if err != nil {
		t.Fatalf("PersonaText: %v", err)
	}
	if text != "You are Banter, keeper of terrible puns." {
		t.Errorf("persona = %q, want stored text", text)
	}
}

func TestSetPersona_GlobalReachesDestinationScopes(t *testing.T) {
	e, _ := newTestEngine(t)

	// Hydrate the destination scope before the edit; resolution must
	// still pick up the new global text.
	if _, err := e.Traits("telegram:100"); err != nil {
		t.Fatalf("Traits: %v", err)
	}
	if err := e.SetPersona(GlobalScope, "You are a stern librarian."); err != nil {
		t.Fatalf("SetPersona: %v", err)
	}

	params, err := e.Parameters("telegram:100")
	if err != nil {
		t.Fatalf("Parameters: %v", err)
	}
	if params.Persona != "You are a stern librarian." {
		t.Errorf("destination persona = %q, want the global edit", params.Persona)
	}
}

func TestSetPersona_DestinationOverridesGlobal(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.SetPersona(GlobalScope, "global text"); err != nil {
		t.Fatalf("SetPersona global: %v", err)
	}
	if err := e.SetPersona("telegram:100", "local text"); err != nil {
		t.Fatalf("SetPersona destination: %v", err)
	}

	params, _ := e.Parameters("telegram:100")
	if params.Persona != "local text" {
		t.Errorf("persona = %q, want the local override", params.Persona)
	}
	other, _ := e.Parameters("telegram:200")
	if other.Persona != "global text" {
		t.Errorf("other destination persona = %q, want the global text", other.Persona)
	}
}

func TestReinforce_DestinationFeedsGlobalAggregate(t *testing.T) {
	e, _ := newTestEngine(t)

	for i := 0; i < 50; i++ {
		if err := e.Reinforce(bus.EngagementSignal{Scope: "telegram:100", Topics: []string{"chess"}, Outcome: bus.OutcomePositive, Magnitude: 1}); err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}

	global, err := e.Traits(GlobalScope)
	if err != nil {
		t.Fatalf("Traits: %v", err)
	}
	if global.Enthusiasm <= DefaultTraits().Enthusiasm {
		t.Errorf("global enthusiasm = %f, want it pulled above the default by destination signals", global.Enthusiasm)
	}
	patterns, _ := e.PatternStrengths(GlobalScope)
	if patterns["chess"] <= 0 {
		t.Errorf("global patterns = %v, want chess tracked from destination signals", patterns)
	}
}

func TestFreshDestinationStartsFromGlobalTraits(t *testing.T) {
	e, _ := newTestEngine(t)

	for i := 0; i < 100; i++ {
		if err := e.Reinforce(bus.EngagementSignal{Scope: GlobalScope, Outcome: bus.OutcomeNegative, Magnitude: 2}); err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}
	global, _ := e.Traits(GlobalScope)

	fresh, err := e.Traits("telegram:900")
	if err != nil {
		t.Fatalf("Traits: %v", err)
	}
	if math.Abs(fresh.Enthusiasm-global.Enthusiasm) > 1e-9 {
		t.Errorf("fresh destination enthusiasm = %f, want the global %f", fresh.Enthusiasm, global.Enthusiasm)
	}
}

func TestDefaultPersona_UsedForFreshScope(t *testing.T) {
	e, _ := newTestEngine(t)
	text, err := e.PersonaText("fresh")
	if err != nil {
		t.Fatalf("PersonaText: %v", err)
	}
	if text != DefaultPersona {
		t.Errorf("fresh scope persona = %q, want default", text)
	}
}
