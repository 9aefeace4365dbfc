package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stupiduntilnot/ollagram/internal/model"
	"github.com/stupiduntilnot/ollagram/internal/session"
)

// DefaultBaseURL is the API root of a local Ollama server.
const DefaultBaseURL = "http://localhost:11434/api"

// ErrEmptyCompletion is returned when the server answers with a well-formed
// message that carries no text.
var ErrEmptyCompletion = model.ErrEmptyCompletion

// Client is a minimal Ollama API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an Ollama client for baseURL (e.g. "http://localhost:11434/api").
// timeout bounds every request; callers may impose shorter deadlines via ctx.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Message is a chat message in Ollama wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Message         *Message `json:"message"`
	Done            bool     `json:"done"`
	PromptEvalCount int      `json:"prompt_eval_count"`
	EvalCount       int      `json:"eval_count"`
	Error           string   `json:"error,omitempty"`
}

type tagModel struct {
	Name string `json:"name"`
}

type tagsResponse struct {
	Models *[]tagModel `json:"models"`
}

var _ model.Provider = (*Client)(nil)

// ListModels calls GET /tags and returns the installed model names in server order.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama tags request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil || tags.Models == nil {
		return nil, fmt.Errorf("failed to parse ollama tags response: %s", truncate(string(body), 400))
	}

	names := make([]string, 0, len(*tags.Models))
	for _, m := range *tags.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// ChatCompletion calls POST /chat with stream disabled and the full history.
func (c *Client) ChatCompletion(ctx context.Context, modelName string, messages []session.Turn) (model.CompletionResponse, error) {
	reqBody := chatRequest{
		Model:    modelName,
		Messages: toWire(messages),
		Stream:   false,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed to create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return model.CompletionResponse{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed to parse ollama response: %s", truncate(string(body), 400))
	}
	if parsed.Error != "" {
		return model.CompletionResponse{}, fmt.Errorf("ollama error: %s", truncate(parsed.Error, 400))
	}
	if parsed.Message == nil {
		return model.CompletionResponse{}, fmt.Errorf("ollama response has no message: %s", truncate(string(body), 400))
	}

	result := model.CompletionResponse{
		InputTokens:  parsed.PromptEvalCount,
		OutputTokens: parsed.EvalCount,
	}
	// Whitespace only counts as empty; the content itself is kept verbatim.
	if strings.TrimSpace(parsed.Message.Content) == "" {
		return result, ErrEmptyCompletion
	}
	result.Content = parsed.Message.Content
	return result, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading ollama response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama non-success status=%d body=%s", resp.StatusCode, truncate(string(body), 400))
	}
	return body, nil
}

func toWire(turns []session.Turn) []Message {
	out := make([]Message, len(turns))
	for i, t := range turns {
		out[i] = Message{Role: string(t.Role), Content: t.Content}
	}
	return out
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
