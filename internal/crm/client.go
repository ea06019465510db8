// ABOUTME: CRM gateway client for posting relayed chat messages.
// ABOUTME: Pure request/response wrapper over the CRM's messaging API, no state.

package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultTimeout bounds a single message post to the CRM.
const defaultTimeout = 15 * time.Second

// GatewayError is a failed CRM API call.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("crm gateway returned status %d: %s", e.StatusCode, e.Body)
}

// postMessageRequest is the body for the CRM message-post call.
type postMessageRequest struct {
	DialogID string `json:"dialog_id"`
	Text     string `json:"text"`
}

// Client posts messages to the CRM on behalf of tenant sessions. Safe for
// concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a CRM client for the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// PostMessage forwards one chat message into the CRM dialog identified by
// dialogID, authenticated with the tenant's access token. One call per
// message; the caller decides what to do on failure.
func (c *Client) PostMessage(ctx context.Context, domain, dialogID, text, accessToken string) error {
	body, err := json.Marshal(postMessageRequest{
		DialogID: dialogID,
		Text:     text,
	})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/%s/messages", c.baseURL, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a bounded amount for the error report.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &GatewayError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	return nil
}
