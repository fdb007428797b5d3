package gateway

import (
	"strings"

	"github.com/pelicanlabs/banter/internal/bus"
)

var positiveMarkers = []string{
	"lol", "lmao", "haha", "love", "nice", "thanks", "thank you",
	"good bot", "great", "awesome", "funny", "😂", "❤️", "👍", "🤣",
}

var negativeMarkers = []string{
	"stop", "shut up", "go away", "boring", "bad bot", "annoying",
	"leave me alone", "👎",
}

// classifyOutcome reads a crude sentiment off a human message. The
// adaptation engine only needs a direction and a rough weight; nuance
// lives in the model, not here.
func classifyOutcome(content string) (bus.SignalOutcome, float64) {
	lower := strings.ToLower(content)

	score := 0
	for _, m := range positiveMarkers {
		if strings.Contains(lower, m) {
			score++
		}
	}
	for _, m := range negativeMarkers {
		if strings.Contains(lower, m) {
			score -= 2 // negatives weigh heavier, people complain less often than they laugh
		}
	}

	switch {
	case score > 0:
		magnitude := float64(score)
		if magnitude > 2 {
			magnitude = 2
		}
		return bus.OutcomePositive, magnitude
	case score < 0:
		magnitude := float64(-score)
		if magnitude > 2 {
			magnitude = 2
		}
		return bus.OutcomeNegative, magnitude
	default:
		return bus.OutcomeNeutral, 1
	}
}

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "because": true,
	"before": true, "being": true, "could": true, "every": true,
	"going": true, "really": true, "should": true, "something": true,
	"there": true, "these": true, "thing": true, "think": true,
	"those": true, "today": true, "where": true, "which": true,
	"would": true, "youre": true, "banter": true,
}

// extractTopics pulls up to three content words out of a message for
// pattern tracking.
func extractTopics(content string) []string {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})

	var topics []string
	seen := make(map[string]bool)
	for _, word := range fields {
		if len(word) < 5 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		topics = append(topics, word)
		if len(topics) == 3 {
			break
		}
	}
	return topics
}
