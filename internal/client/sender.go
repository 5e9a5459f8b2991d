// ABOUTME: HTTP Sender posting queued dispatches to the gateway messages endpoint
// ABOUTME: Non-2xx responses other than validation are retryable flush failures

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// HTTPSender delivers outbox operations to a gateway over HTTP.
type HTTPSender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSender creates a sender for the gateway at baseURL, e.g.
// "http://localhost:3000/gm". A nil client uses http.DefaultClient.
func NewHTTPSender(baseURL string, client *http.Client) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type dispatchRequest struct {
	Content        string `json:"content"`
	AgentID        string `json:"agentId"`
	FolderContext  string `json:"folderContext,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Send implements Sender. It posts the operation to the conversation's
// messages endpoint. 2xx responses (including the idempotent replay of an
// earlier success) count as delivered; 4xx responses are permanent
// failures that will not be retried.
func (s *HTTPSender) Send(ctx context.Context, op Op) error {
	body, err := json.Marshal(dispatchRequest{
		Content:        op.Content,
		AgentID:        op.AgentID,
		FolderContext:  op.FolderContext,
		IdempotencyKey: op.IdempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}

	url := fmt.Sprintf("%s/api/conversations/%s/messages", s.baseURL, op.ConversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post dispatch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("dispatch rejected: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}
