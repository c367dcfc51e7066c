package alerts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/foundry/pkg/types"
	"github.com/slack-go/slack"
)

// notifyTimeout bounds every webhook post
const notifyTimeout = 5 * time.Second

// Notification is one alert ready to send
type Notification struct {
	Severity  types.Severity
	AlertType types.AlertType
	Dimension types.Dimension
	Window    types.BurnRateWindow
	// BurnRate is the long-window burn rate that tripped the alert
	BurnRate float64
	// BadFraction is the observed long-window bad fraction
	BadFraction float64
	// SLO is the configured objective the fraction is judged against
	SLO float64
	// ThresholdMs is set for TTFB alerts
	ThresholdMs int64
	// RequestWeight is the long-window weighted request count
	RequestWeight float64
}

// Notifier delivers alert notifications
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// SlackNotifier posts Block Kit messages to severity-routed webhooks
type SlackNotifier struct {
	pageWebhookURL   string
	ticketWebhookURL string
	client           *http.Client
}

// NewSlackNotifier creates the notifier. Pages and tickets can go to
// different webhooks; an empty ticket URL falls back to the page one.
func NewSlackNotifier(pageWebhookURL, ticketWebhookURL string) *SlackNotifier {
	if ticketWebhookURL == "" {
		ticketWebhookURL = pageWebhookURL
	}
	return &SlackNotifier{
		pageWebhookURL:   pageWebhookURL,
		ticketWebhookURL: ticketWebhookURL,
		client:           &http.Client{Timeout: notifyTimeout},
	}
}

// Notify builds and posts the alert message. A non-2xx response is an
// error; the evaluator aggregates it with the rest of the tick.
func (s *SlackNotifier) Notify(ctx context.Context, n *Notification) error {
	url := s.pageWebhookURL
	if n.Severity == types.SeverityTicket {
		url = s.ticketWebhookURL
	}
	if url == "" {
		return fmt.Errorf("no webhook configured for severity %s", n.Severity)
	}

	msg := &slack.WebhookMessage{
		Blocks: &slack.Blocks{BlockSet: buildBlocks(n)},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, url, s.client, msg); err != nil {
		return fmt.Errorf("failed to post %s notification: %w", n.Severity, err)
	}
	return nil
}

func buildBlocks(n *Notification) []slack.Block {
	title := "Error rate SLO burn"
	if n.AlertType == types.AlertTypeTTFB {
		title = "TTFB SLO burn"
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(
		slack.PlainTextType,
		fmt.Sprintf("[%s] %s", n.Severity, title),
		false, false,
	))

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Provider*\n"+n.Dimension.Provider, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Model*\n"+n.Dimension.Model, false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Burn rate*\n%.1fx (threshold %.1fx)", n.BurnRate, n.Window.BurnRate), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Window*\n%dm / %dm", n.Window.LongWindowMinutes, n.Window.ShortWindowMinutes), false, false),
	}
	section := slack.NewSectionBlock(nil, fields, nil)

	var detail string
	if n.AlertType == types.AlertTypeErrorRate {
		detail = fmt.Sprintf("error rate %.2f%% vs SLO %.2f%%", n.BadFraction*100, n.SLO*100)
	} else {
		detail = fmt.Sprintf("%.2f%% of requests over %dms vs budget %.2f%%",
			n.BadFraction*100, n.ThresholdMs, (1-n.SLO)*100)
	}
	detail += fmt.Sprintf(" · %.0f requests · client %s", n.RequestWeight, n.Dimension.Client)
	contextBlock := slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, detail, false, false),
	)

	return []slack.Block{header, section, contextBlock}
}
