package channel

import (
	"context"
	"errors"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pelicanlabs/banter/internal/bus"
	"github.com/pelicanlabs/banter/internal/queue"
)

// Sender routes queued deliveries to the right channel and classifies
// the result so the queue knows whether to retry. Destinations are
// "<channel>:<chat id>", the key format used everywhere downstream of
// the bus.
type Sender struct {
	manager *Manager
}

func NewSender(m *Manager) *Sender {
	return &Sender{manager: m}
}

func (s *Sender) Send(_ context.Context, destination, payload string) queue.SendResult {
	name, chatID, ok := strings.Cut(destination, ":")
	if !ok {
		return queue.SendResult{
			Outcome: queue.PermanentFailure,
			Err:     errors.New("malformed destination: " + destination),
		}
	}

	ch := s.manager.Channel(name)
	if ch == nil {
		return queue.SendResult{
			Outcome: queue.PermanentFailure,
			Err:     errors.New("no such channel: " + name),
		}
	}

	err := ch.Send(bus.OutboundMessage{
		Channel:     name,
		Destination: chatID,
		Content:     payload,
	})
	if err != nil {
		return classifySendError(err)
	}
	return queue.SendResult{Outcome: queue.Delivered}
}

// classifySendError buckets a channel send error. Telegram's API
// errors carry a status code and, for 429, a retry-after hint; other
// errors (network, timeouts) are treated as transient.
func classifySendError(err error) queue.SendResult {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			var retryAfter time.Duration
			if apiErr.ResponseParameters.RetryAfter > 0 {
				retryAfter = time.Duration(apiErr.ResponseParameters.RetryAfter) * time.Second
			}
			return queue.SendResult{Outcome: queue.RateLimited, RetryAfter: retryAfter, Err: err}
		case apiErr.Code >= 400 && apiErr.Code < 500:
			// Bad request, blocked by the peer, chat gone: no retry
			// will fix these.
			return queue.SendResult{Outcome: queue.PermanentFailure, Err: err}
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid chat id") || strings.Contains(msg, "not initialized") {
		return queue.SendResult{Outcome: queue.PermanentFailure, Err: err}
	}
	return queue.SendResult{Outcome: queue.RateLimited, Err: err}
}
