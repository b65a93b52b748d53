// Package notify posts leave lifecycle events to the deployment's
// notifier webhook. Delivery to students and staff is the notifier's
// business; this client only hands the request over.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Event kinds sent to the webhook.
const (
	KindLeaveSubmitted = "leave.submitted"
	KindLeaveApproved  = "leave.approved"
	KindLeaveRejected  = "leave.rejected"
	KindLeaveWithdrawn = "leave.withdrawn"
	KindLeaveExpired   = "leave.expired"
)

// Event is the webhook payload for one leave lifecycle change.
type Event struct {
	Kind          string    `json:"kind"`
	ApplicationID string    `json:"application_id"`
	SessionID     string    `json:"session_id"`
	StudentID     string    `json:"student_id"`
	Status        string    `json:"status"`
	Approvers     []string  `json:"approvers,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Client calls the notifier webhook.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, every call succeeds without
// touching the network, which is the dev and test default.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Send posts one event to the webhook.
func (c *Client) Send(ctx context.Context, evt Event) error {
	if c.Skip {
		return nil
	}
	if evt.Kind == "" {
		return fmt.Errorf("event kind required")
	}

	body, _ := json.Marshal(evt)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notifier error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}

// Health checks if the notifier is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notifier unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier unhealthy: %s", resp.Status)
	}
	return nil
}
