// notifier.go — Renders change events into Slack Block Kit messages and email
// webhook payloads, and posts them. Rendering is pure; posting goes through an
// injectable function so tests never touch the network.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/types"
)

// maxDigestEvents caps how many events a digest renders in full; the rest
// collapse into a count so the message stays under Slack's block limit.
const maxDigestEvents = 20

var severityEmoji = map[types.Severity]string{
	types.SeverityCritical: ":red_circle:",
	types.SeverityHigh:     ":large_orange_circle:",
	types.SeverityMedium:   ":large_yellow_circle:",
	types.SeverityLow:      ":white_circle:",
}

// Notifier posts rendered notifications.
type Notifier struct {
	log *zap.Logger
	cfg config.AlertConfig

	// postSlack and postEmail are replaceable in tests.
	postSlack func(ctx context.Context, url string, msg *slack.WebhookMessage) error
	postEmail func(ctx context.Context, url string, payload []byte) error
}

// NewNotifier wires a Notifier against the configured webhooks.
func NewNotifier(log *zap.Logger, cfg config.AlertConfig) *Notifier {
	httpc := &http.Client{Timeout: 15 * time.Second}
	return &Notifier{
		log: log.Named("alert"),
		cfg: cfg,
		postSlack: func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
			return slack.PostWebhookCustomHTTPContext(ctx, url, httpc, msg)
		},
		postEmail: func(ctx context.Context, url string, payload []byte) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := httpc.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("email webhook: HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
}

// NotifyEvent delivers one immediate-channel event.
func (n *Notifier) NotifyEvent(ctx context.Context, ev types.ChangeEvent) error {
	if ev.Channel == types.ChannelEmail {
		return n.sendEmail(ctx, ev)
	}
	if n.cfg.SlackWebhookURL == "" {
		n.log.Warn("slack webhook not configured, dropping event", zap.String("event", ev.ID))
		return nil
	}
	msg := &slack.WebhookMessage{
		Text:   ev.Summary,
		Blocks: &slack.Blocks{BlockSet: eventBlocks(ev, n.cfg.DashboardBaseURL)},
	}
	return n.postSlack(ctx, n.cfg.SlackWebhookURL, msg)
}

// NotifyDigest delivers one tenant's batch for a drained channel.
func (n *Notifier) NotifyDigest(ctx context.Context, tenant string, ch types.Channel, events []types.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if n.cfg.SlackWebhookURL == "" {
		n.log.Warn("slack webhook not configured, dropping digest",
			zap.String("tenant", tenant), zap.Int("events", len(events)))
		return nil
	}
	label := "Hourly digest"
	if ch == types.ChannelSlackBatchDaily {
		label = "Daily digest"
	}
	fallback := fmt.Sprintf("%s — %s: %d changes", label, tenant, len(events))

	blocks := []slack.Block{
		slack.NewHeaderBlock(plain(fmt.Sprintf("%s — %s", label, tenant))),
	}
	for i, ev := range events {
		if i == maxDigestEvents {
			blocks = append(blocks, slack.NewContextBlock("",
				mrkdwn(fmt.Sprintf("…and %d more changes", len(events)-maxDigestEvents))))
			break
		}
		blocks = append(blocks,
			slack.NewSectionBlock(
				mrkdwn(fmt.Sprintf("%s %s", severityEmoji[ev.Severity], ev.Summary)),
				diffFields(ev, 4), nil),
		)
	}
	blocks = append(blocks, slack.NewDividerBlock(),
		slack.NewContextBlock("", mrkdwn(fmt.Sprintf("%d changes · %s", len(events), tenant))))

	msg := &slack.WebhookMessage{Text: fallback, Blocks: &slack.Blocks{BlockSet: blocks}}
	return n.postSlack(ctx, n.cfg.SlackWebhookURL, msg)
}

// sendEmail posts the event to the email relay webhook.
func (n *Notifier) sendEmail(ctx context.Context, ev types.ChangeEvent) error {
	if n.cfg.EmailWebhookURL == "" {
		n.log.Warn("email webhook not configured, dropping event", zap.String("event", ev.ID))
		return nil
	}
	body := strings.Builder{}
	body.WriteString(ev.Summary + "\n\n")
	for _, fc := range ev.Diff {
		if !fc.IsMeaningful {
			continue
		}
		fmt.Fprintf(&body, "%s: %s -> %s\n", fc.Field, fieldText(fc.Field, fc.OldValue), fieldText(fc.Field, fc.NewValue))
	}
	payload, err := json.Marshal(map[string]any{
		"subject": fmt.Sprintf("[%s] %s %s: %s", strings.ToUpper(string(ev.Severity)), ev.TenantSlug, ev.EventType, ev.EntityName),
		"text":    body.String(),
		"tenant":  ev.TenantSlug,
		"event":   ev.ID,
	})
	if err != nil {
		return err
	}
	return n.postEmail(ctx, n.cfg.EmailWebhookURL, payload)
}

// ============================================
// Block rendering
// ============================================

// eventBlocks renders one event as header, diff section, action buttons, and
// a context footer.
func eventBlocks(ev types.ChangeEvent, dashboardBase string) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(plain(fmt.Sprintf("%s · %s", ev.TenantSlug, ev.EntityName))),
		slack.NewSectionBlock(
			mrkdwn(fmt.Sprintf("%s *%s*\n%s", severityEmoji[ev.Severity], ev.EventType, ev.Summary)),
			diffFields(ev, 8), nil),
	}
	if dashboardBase != "" {
		btn := slack.NewButtonBlockElement("view_entity", ev.EntityID, plain("View in dashboard"))
		btn.URL = fmt.Sprintf("%s/tenants/%s/%ss/%s",
			strings.TrimRight(dashboardBase, "/"), ev.TenantSlug, ev.EntityKind, ev.EntityID)
		blocks = append(blocks, slack.NewActionBlock("event_actions", btn))
	}
	blocks = append(blocks,
		slack.NewDividerBlock(),
		slack.NewContextBlock("", mrkdwn(fmt.Sprintf("%s · severity %s · %s",
			ev.TenantSlug, ev.Severity, ev.CreatedAt.UTC().Format(time.RFC3339)))),
	)
	return blocks
}

// diffFields renders up to limit meaningful field changes as section fields.
func diffFields(ev types.ChangeEvent, limit int) []*slack.TextBlockObject {
	var fields []*slack.TextBlockObject
	for _, fc := range ev.Diff {
		if !fc.IsMeaningful || len(fields) >= limit {
			continue
		}
		fields = append(fields, mrkdwn(fmt.Sprintf("*%s*\n%s → %s",
			fc.Field, fieldText(fc.Field, fc.OldValue), fieldText(fc.Field, fc.NewValue))))
	}
	return fields
}

// fieldText renders one diff value. Disclaimer and terms fields arrive as
// vendor HTML; they read as markdown in the message.
func fieldText(field string, v any) string {
	if v == nil {
		return "_none_"
	}
	s := fmt.Sprintf("%v", v)
	lower := strings.ToLower(field)
	if (strings.Contains(lower, "disclaimer") || strings.Contains(lower, "terms")) && strings.Contains(s, "<") {
		if md, err := htmltomarkdown.ConvertString(s); err == nil {
			s = md
		}
	}
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		s = s[:300] + "…"
	}
	if s == "" {
		return "_none_"
	}
	return s
}

func plain(s string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, s, false, false)
}

func mrkdwn(s string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, s, false, false)
}
