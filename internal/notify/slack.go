package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

// SlackNotifier posts to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string `json:"color"`
	Title     string `json:"title"`
	TitleLink string `json:"title_link,omitempty"`
	Text      string `json:"text"`
	Footer    string `json:"footer,omitempty"`
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackColor maps a priority to an attachment color.
func SlackColor(p schemas.Priority) string {
	switch p {
	case schemas.PriorityCritical:
		return "danger"
	case schemas.PriorityHigh:
		return "warning"
	case schemas.PriorityLow:
		return "good"
	default:
		return "#439FE0"
	}
}

func (s *SlackNotifier) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	msg := SlackMessage{
		Text: n.Title,
		Attachments: []SlackAttachment{{
			Color:     SlackColor(n.Priority),
			Title:     n.InterventionID,
			TitleLink: n.Link,
			Text:      n.Message,
			Footer:    "scalpel-hitl",
		}},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
