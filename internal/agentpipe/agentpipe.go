// Package agentpipe forwards final transcripts to the downstream
// analysis pipeline. Submission is fire-and-forget from the session
// worker's point of view: errors are logged, never retried, and never
// block subscriber delivery.
package agentpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Submitter delivers one final transcript to the agent pipeline.
type Submitter interface {
	Submit(ctx context.Context, sessionID, speaker, text, language string) error
}

// Noop discards every submission. Used when no endpoint is configured.
type Noop struct{}

func (Noop) Submit(context.Context, string, string, string, string) error { return nil }

const submitTimeout = 10 * time.Second

// Client posts submissions to an HTTP endpoint as JSON.
type Client struct {
	endpoint string
	token    string
	hc       *http.Client
}

// NewClient returns a Client posting to endpoint. token, when set, is
// sent as a bearer token.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		hc:       &http.Client{Timeout: submitTimeout},
	}
}

type submission struct {
	SessionID string `json:"session_id"`
	Speaker   string `json:"speaker_role"`
	Text      string `json:"text"`
	Language  string `json:"language"`
}

// Submit posts one transcript. Any non-2xx status is an error; the
// response body is not interpreted.
func (c *Client) Submit(ctx context.Context, sessionID, speaker, text, language string) error {
	body, err := json.Marshal(submission{
		SessionID: sessionID,
		Speaker:   speaker,
		Text:      text,
		Language:  language,
	})
	if err != nil {
		return fmt.Errorf("agentpipe: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agentpipe: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("agentpipe: submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("agentpipe: submit: unexpected status %s", resp.Status)
	}
	return nil
}
