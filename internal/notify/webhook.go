package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{"service":{{ toJson .Service }},"hosts":{{ toJson .Hosts }},"events":{{ toJson .Events }}}`

// WebhookPayload is what a webhook template renders.
type WebhookPayload struct {
	Service     string
	Hosts       []string
	Events      []Event
	GeneratedAt time.Time
}

// WebhookNotifier posts a templated body to a generic HTTP endpoint. A nil
// *WebhookNotifier is disabled and accepts every call.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	poster   *httpPoster
	now      func() time.Time
}

var webhookFuncs = template.FuncMap{
	"toJson": func(v any) (string, error) {
		encoded, err := json.Marshal(v)
		return string(encoded), err
	},
	"rfc3339": func(t time.Time) string {
		return t.UTC().Format(time.RFC3339)
	},
}

// NewWebhookNotifier parses tmpl, or the default JSON body when empty. It
// returns nil without error when url is empty.
func NewWebhookNotifier(logger zerolog.Logger, url, tmpl string) (*WebhookNotifier, error) {
	if url == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}
	parsed, err := template.New("webhook").Funcs(webhookFuncs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}
	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		poster:   newHTTPPoster(logger, "webhook", url, "application/json", defaultTiming),
		now:      time.Now,
	}, nil
}

func (n *WebhookNotifier) name() string  { return "webhook" }
func (n *WebhookNotifier) enabled() bool { return n != nil }

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, service string, events []Event) error {
	if n == nil || len(events) == 0 {
		return nil
	}
	body, err := n.render(service, events)
	if err != nil {
		return err
	}
	if err := n.poster.throttle(ctx, service); err != nil {
		return err
	}
	if err := n.poster.deliver(ctx, body); err != nil {
		return err
	}
	n.logger.Debug().Str("service", service).Int("events", len(events)).Msg("webhook delivered")
	return nil
}

func (n *WebhookNotifier) render(service string, events []Event) ([]byte, error) {
	var buf bytes.Buffer
	payload := WebhookPayload{
		Service:     service,
		Hosts:       eventHosts(events),
		Events:      events,
		GeneratedAt: n.now().UTC(),
	}
	if err := n.template.Execute(&buf, payload); err != nil {
		return nil, fmt.Errorf("render webhook template: %w", err)
	}
	return buf.Bytes(), nil
}

// eventHosts lists the distinct non-empty hosts named by events.
func eventHosts(events []Event) []string {
	seen := map[string]bool{}
	hosts := []string{}
	for _, event := range events {
		if event.Host == "" || seen[event.Host] {
			continue
		}
		seen[event.Host] = true
		hosts = append(hosts, event.Host)
	}
	sort.Strings(hosts)
	return hosts
}
