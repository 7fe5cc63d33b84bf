package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	slackMaxBlocks = 50
	// header and context blocks open every message
	slackReservedBlocks = 2
	slackMaxEvents      = slackMaxBlocks - slackReservedBlocks
)

// SlackNotifier posts audit events to a Slack incoming webhook. A nil
// *SlackNotifier is disabled and accepts every call.
type SlackNotifier struct {
	logger     zerolog.Logger
	webhookURL string
	timing     timingConfig
	poster     *httpPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier returns nil when webhookURL is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) *SlackNotifier {
	if webhookURL == "" {
		return nil
	}

	notifier := &SlackNotifier{
		logger:     logger,
		webhookURL: webhookURL,
		timing:     defaultTiming,
	}
	for _, opt := range opts {
		opt(notifier)
	}
	notifier.poster = newHTTPPoster(logger, "slack", webhookURL, "application/json", notifier.timing)

	return notifier
}

func (n *SlackNotifier) name() string  { return "slack" }
func (n *SlackNotifier) enabled() bool { return n != nil }

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, service string, events []Event) error {
	if n == nil || len(events) == 0 {
		return nil
	}
	if err := n.poster.throttle(ctx, service); err != nil {
		return err
	}

	messages := buildSlackMessages(service, events)
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		if err := n.poster.deliver(ctx, payload); err != nil {
			return err
		}
	}

	n.logger.Debug().
		Str("service", service).
		Int("events", len(events)).
		Int("messages", len(messages)).
		Msg("slack notification sent")

	return nil
}

func buildSlackMessages(service string, events []Event) []slack.WebhookMessage {
	total := len(events)
	if total == 0 {
		return nil
	}

	parts := (total + slackMaxEvents - 1) / slackMaxEvents
	messages := make([]slack.WebhookMessage, 0, parts)
	for i := 0; i < total; i += slackMaxEvents {
		end := min(i+slackMaxEvents, total)
		messages = append(messages, buildSlackMessage(service, events[i:end], total, i/slackMaxEvents+1, parts))
	}
	return messages
}

func buildSlackMessage(service string, events []Event, total, part, parts int) slack.WebhookMessage {
	summary := fmt.Sprintf("Deploy of %s: %d event(s)", service, total)
	if parts > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, part, parts)
	}

	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))
	elements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Service: *%s*", service), false, false),
	}
	if user := events[0].User; user != "" {
		elements = append(elements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("By: %s", user), false, false))
	}

	blocks := []slack.Block{header, slack.NewContextBlock("", elements...)}
	for _, event := range events {
		blocks = append(blocks, buildEventBlock(event))
	}

	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func buildEventBlock(event Event) slack.Block {
	host := event.Host
	if host == "" {
		host = "all hosts"
	}
	text := slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*: %s", host, event.Message), false, false)

	var fields []*slack.TextBlockObject
	if !event.At.IsZero() {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*At:*\n"+event.At.UTC().Format(time.RFC3339), false, false))
	}
	return slack.NewSectionBlock(text, fields, nil)
}
