package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/johndauphine/ag-db-move/internal/config"
)

const footer = "ag-db-move"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
	now        func() time.Time
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// MoveStarted sends notification when a move command starts
func (n *Notifier) MoveStarted(runID, command, source, destination string) error {
	if !n.IsEnabled() {
		return nil
	}

	return n.send(":rocket:", "", SlackAttachment{
		Color: "#36a64f", // green
		Title: fmt.Sprintf("Move Started (%s)", command),
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Command", Value: command, Short: true},
			{Title: "Source", Value: source, Short: true},
			{Title: "Destination", Value: destination, Short: true},
		},
	})
}

// RoundCompleted sends notification when a progressive round completes
func (n *Notifier) RoundCompleted(runID string, round, applied int, watermark string, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	if watermark == "" {
		watermark = "-"
	}
	return n.send(":arrows_counterclockwise:", "", SlackAttachment{
		Color: "#439fe0", // blue
		Title: fmt.Sprintf("Round %d Completed", round),
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Backups Applied", Value: fmt.Sprintf("%d", applied), Short: true},
			{Title: "Watermark", Value: watermark, Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
		},
	})
}

// MoveFinalized sends notification when the destination joined its availability group
func (n *Notifier) MoveFinalized(runID string, startTime time.Time, duration time.Duration, loginsCopied int) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Database move finalized. The destination is recovered and joined to its availability group. Copied %d logins.",
		loginsCopied)

	return n.send(":white_check_mark:", headerText, SlackAttachment{
		Color: "#36a64f", // green
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Logins Copied", Value: fmt.Sprintf("%d", loginsCopied), Short: true},
		},
	})
}

// MoveFailed sends notification when a move fails
func (n *Notifier) MoveFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	return n.send(":x:", "", SlackAttachment{
		Color: "#dc3545", // red
		Title: "Move Failed",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
			{Title: "Error", Value: errMsg, Short: false},
		},
	})
}

// SourceDeleted sends notification when the source database was deleted
func (n *Notifier) SourceDeleted(runID, source string) error {
	if !n.IsEnabled() {
		return nil
	}

	return n.send(":wastebasket:", "", SlackAttachment{
		Color: "#ffc107", // yellow
		Title: "Source Deleted",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Source", Value: source, Short: true},
		},
	})
}

func (n *Notifier) send(icon, text string, attachment SlackAttachment) error {
	attachment.Footer = footer
	attachment.Timestamp = n.now().Unix()
	msg := SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Text:        text,
		Attachments: []SlackAttachment{attachment},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
