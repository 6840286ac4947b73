package mention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tripmates/chat-server/internal/domain/chat"
)

// Client calls the external agent service to enrich messages that mention an
// AI agent. Every call is best-effort: the send pipeline consumes only the
// success case and continues unchanged on error.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ProcessRequest is the payload sent to the agent service.
type ProcessRequest struct {
	MessageID string                 `json:"message_id"`
	ChatID    string                 `json:"chat_id"`
	SenderID  string                 `json:"sender_id"`
	Content   string                 `json:"content"`
	Mentions  []string               `json:"mentions"`
	Agents    []string               `json:"agents"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// ProcessResponse is what the agent service returns on success.
type ProcessResponse struct {
	Agents     []string               `json:"agents"`
	Model      string                 `json:"model"`
	Confidence float64                `json:"confidence"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Process submits the message for enrichment and returns the enriched
// metadata. The context carries the pipeline's 2s budget; the HTTP client
// timeout is a backstop.
func (c *Client) Process(ctx context.Context, msg *chat.Message) (*chat.EnrichedMetadata, error) {
	reqBody := ProcessRequest{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Mentions:  msg.Metadata.Mentions,
		Agents:    chat.AgentMentions(msg.Metadata.Mentions),
		Context:   msg.Metadata.AIContext,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/agents/process", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent service returned status %d", resp.StatusCode)
	}

	var body ProcessResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &chat.EnrichedMetadata{
		Agents:     body.Agents,
		Model:      body.Model,
		Confidence: body.Confidence,
		Context:    body.Context,
	}, nil
}
