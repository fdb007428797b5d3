package gateway

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/pelicanlabs/banter/internal/bus"
	"github.com/pelicanlabs/banter/internal/persona"
)

// handleCommand runs one operator command and returns the reply text.
// Commands are only reachable for senders on the admin list.
func (g *Gateway) handleCommand(msg bus.InboundMessage) string {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(msg.Content), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "!status":
		return g.cmdStatus()
	case "!personality":
		return g.cmdPersonality()
	case "!setpersona":
		if arg == "" {
			return "usage: !setpersona <persona text>"
		}
		if err := g.traits.SetPersona(persona.GlobalScope, arg); err != nil {
			log.Printf("[gateway] setpersona error: %v", err)
			return "could not update persona"
		}
		return "persona updated"
	case "!memory":
		destinations, messages, err := g.mem.Stats()
		if err != nil {
			log.Printf("[gateway] memory stats error: %v", err)
			return "could not read memory stats"
		}
		return fmt.Sprintf("memory: %d messages across %d destinations", messages, destinations)
	case "!wipememory":
		if err := g.mem.Wipe(); err != nil {
			log.Printf("[gateway] wipe memory error: %v", err)
			return "could not wipe memory"
		}
		return "memory wiped"
	case "!clearqueue":
		n, err := g.queue.Clear()
		if err != nil {
			log.Printf("[gateway] clear queue error: %v", err)
			return "could not clear queue"
		}
		return fmt.Sprintf("cleared %d pending deliveries", n)
	case "!help":
		return "commands: !status !personality !setpersona <text> !memory !wipememory !clearqueue"
	default:
		return ""
	}
}

func (g *Gateway) cmdStatus() string {
	depth, err := g.queue.Depth()
	if err != nil {
		log.Printf("[gateway] status depth error: %v", err)
		return "could not read status"
	}
	consumed, budget, err := g.gov.Today()
	if err != nil {
		log.Printf("[gateway] status usage error: %v", err)
		return "could not read status"
	}
	return fmt.Sprintf("up %s | queue: %d pending | usage: %d/%d today | channels: %s",
		time.Since(g.started).Round(time.Second), depth, consumed, budget,
		strings.Join(g.channels.EnabledChannels(), ", "))
}

func (g *Gateway) cmdPersonality() string {
	tr, err := g.traits.Traits(persona.GlobalScope)
	if err != nil {
		log.Printf("[gateway] personality traits error: %v", err)
		return "could not read traits"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "curiosity %.2f | playfulness %.2f | enthusiasm %.2f | sincerity %.2f | mischief %.2f",
		tr.Curiosity, tr.Playfulness, tr.Enthusiasm, tr.Sincerity, tr.Mischief)

	patterns, err := g.traits.PatternStrengths(persona.GlobalScope)
	if err == nil && len(patterns) > 0 {
		topics := make([]string, 0, len(patterns))
		for topic := range patterns {
			topics = append(topics, topic)
		}
		sort.Slice(topics, func(i, j int) bool { return patterns[topics[i]] > patterns[topics[j]] })
		if len(topics) > 5 {
			topics = topics[:5]
		}
		sb.WriteString("\ntop topics: ")
		sb.WriteString(strings.Join(topics, ", "))
	}
	return sb.String()
}
