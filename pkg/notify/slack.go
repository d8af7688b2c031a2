package notify

import (
	"context"
	"net/http"
)

// SlackMessage represents a Slack incoming webhook message
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Slack posts alerts to a Slack incoming webhook
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack creates a Slack channel; a nil client gets a 10s timeout client
func NewSlack(webhookURL string, client *http.Client) *Slack {
	if client == nil {
		client = defaultClient()
	}
	return &Slack{webhookURL: webhookURL, client: client}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, alert Alert) error {
	return sendJSON(ctx, s.client, s.webhookURL, FormatSlackMessage(alert))
}

// FormatSlackMessage renders an alert as a Slack attachment
func FormatSlackMessage(alert Alert) SlackMessage {
	fields := make([]SlackField, 0, len(alert.Fields))
	for _, f := range alert.Fields {
		fields = append(fields, SlackField{Title: f.Name, Value: f.Value, Short: f.Short})
	}

	return SlackMessage{
		Attachments: []SlackAttachment{
			{
				Color:  slackColor(alert.Severity),
				Title:  alert.Title,
				Text:   alert.Text,
				Fields: fields,
			},
		},
	}
}

func slackColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
