package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatRequest represents a request to an OpenAI-compatible chat completion API
type ChatRequest struct {
	Model       string                   `json:"model"`
	Messages    []map[string]interface{} `json:"messages"`
	Stream      bool                     `json:"stream"`
	Temperature float64                  `json:"temperature,omitempty"`
}

// CompletionClient streams chat completions from an OpenAI-compatible
// endpoint. Both the GPT session coordinator and the meeting-minutes
// generator share it.
type CompletionClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewCompletionClient creates a streaming client. The 120s timeout caps
// how long a hung upstream can hold a session's processing guard.
func NewCompletionClient(baseURL, apiKey, model string) *CompletionClient {
	return &CompletionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Stream sends a streaming completion request and invokes onChunk for
// every content delta. It returns the accumulated content. onChunk may
// return false to abandon the stream early (e.g. recipient went away).
func (c *CompletionClient) Stream(ctx context.Context, messages []map[string]interface{}, onChunk func(content string) bool) (string, error) {
	reqBody, err := json.Marshal(ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return c.processStream(resp.Body, onChunk)
}

// processStream parses the SSE stream from the AI provider
func (c *CompletionClient) processStream(reader io.Reader, onChunk func(string) bool) (string, error) {
	scanner := bufio.NewScanner(reader)

	// Increase buffer to 1MB for large SSE chunks (default is 64KB)
	const maxCapacity = 1024 * 1024 // 1MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	var fullContent strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk map[string]interface{}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		choices, ok := chunk["choices"].([]interface{})
		if !ok || len(choices) == 0 {
			continue
		}

		choice, ok := choices[0].(map[string]interface{})
		if !ok {
			continue
		}
		delta, ok := choice["delta"].(map[string]interface{})
		if !ok {
			continue
		}

		if content, ok := delta["content"].(string); ok && content != "" {
			fullContent.WriteString(content)
			if onChunk != nil && !onChunk(content) {
				return fullContent.String(), nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fullContent.String(), fmt.Errorf("stream read failed: %w", err)
	}
	return fullContent.String(), nil
}
