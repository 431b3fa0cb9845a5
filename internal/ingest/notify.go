package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier posts review events to a webhook without blocking or failing the
// ingestion that raised them.
type Notifier struct {
	URL    string
	Client *http.Client
}

func NewNotifier(url string) *Notifier {
	return &Notifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type reviewEvent struct {
	Event         string `json:"event"`
	ProjectID     int64  `json:"project_id"`
	VersionID     int64  `json:"version_id"`
	VersionNumber int    `json:"version_number"`
	Reason        string `json:"reason"`
	At            string `json:"at"`
}

// RequiresReview fires and forgets. Delivery failures only reach the log.
func (n *Notifier) RequiresReview(projectID, versionID int64, versionNumber int, reason string) {
	if n == nil || n.URL == "" {
		return
	}
	go func() {
		payload, _ := json.Marshal(reviewEvent{
			Event:         "version.requires_review",
			ProjectID:     projectID,
			VersionID:     versionID,
			VersionNumber: versionNumber,
			Reason:        reason,
			At:            time.Now().UTC().Format(time.RFC3339),
		})
		resp, err := n.Client.Post(n.URL, "application/json", bytes.NewReader(payload))
		if err != nil {
			fmt.Printf("[notify] webhook delivery failed: %v\n", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			fmt.Printf("[notify] webhook returned %d\n", resp.StatusCode)
		}
	}()
}
