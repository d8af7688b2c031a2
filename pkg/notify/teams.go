package notify

import (
	"context"
	"net/http"
)

// TeamsMessage represents a Microsoft Teams connector card
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary,omitempty"`
	Title      string         `json:"title,omitempty"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

// TeamsSection represents a section in a Teams message
type TeamsSection struct {
	Facts []TeamsFact `json:"facts,omitempty"`
	Text  string      `json:"text,omitempty"`
}

// TeamsFact represents a fact in a Teams section
type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Teams posts alerts to a Microsoft Teams incoming webhook
type Teams struct {
	webhookURL string
	client     *http.Client
}

// NewTeams creates a Teams channel
func NewTeams(webhookURL string, client *http.Client) *Teams {
	if client == nil {
		client = defaultClient()
	}
	return &Teams{webhookURL: webhookURL, client: client}
}

func (t *Teams) Name() string { return "teams" }

func (t *Teams) Send(ctx context.Context, alert Alert) error {
	return sendJSON(ctx, t.client, t.webhookURL, FormatTeamsMessage(alert))
}

// FormatTeamsMessage renders an alert as a MessageCard
func FormatTeamsMessage(alert Alert) TeamsMessage {
	facts := make([]TeamsFact, 0, len(alert.Fields))
	for _, f := range alert.Fields {
		facts = append(facts, TeamsFact{Name: f.Name, Value: f.Value})
	}

	return TeamsMessage{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    alert.Title,
		Title:      alert.Title,
		ThemeColor: teamsColor(alert.Severity),
		Sections: []TeamsSection{
			{Facts: facts, Text: alert.Text},
		},
	}
}

func teamsColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "dc3545"
	case SeverityWarning:
		return "ffc107"
	default:
		return "28a745"
	}
}
