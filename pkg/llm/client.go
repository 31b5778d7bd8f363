// Package llm provides pluggable clients for streaming text generation.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ragflow-go/internal/config"
)

// Stream is a pull-based sequence of generated text fragments.
// Recv blocks until the next fragment is available and returns io.EOF
// when generation completes; a slow consumer therefore throttles the
// producer instead of buffering the response in memory.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client defines the interface for a generation capability.
// The query pipeline always uses GenerateStream; Generate is the
// blocking variant for callers that need the full completion at once.
type Client interface {
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)
	GenerateStream(ctx context.Context, prompt, systemPrompt string) (Stream, error)
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func newOpenAICompatibleClient(cfg config.LLMConfig) Client {
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openAICompatibleClient) buildRequest(prompt, systemPrompt string, stream bool) chatRequest {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	// 从配置注入生成参数，未配置的字段保持 nil 并在序列化时省略
	reqBody.Temperature = c.cfg.Generation.Temperature
	reqBody.TopP = c.cfg.Generation.TopP
	reqBody.MaxTokens = c.cfg.Generation.MaxTokens
	return reqBody
}

func (c *openAICompatibleClient) doChat(ctx context.Context, reqBody chatRequest) (*http.Response, error) {
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if reqBody.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return resp, nil
}

// Generate calls the chat completions API and returns the whole response.
func (c *openAICompatibleClient) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	resp, err := c.doChat(ctx, c.buildRequest(prompt, systemPrompt, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("chat api returned no choices")
	}
	return chat.Choices[0].Message.Content, nil
}

// GenerateStream calls the chat completions API in streaming mode.
// The returned Stream reads SSE lines lazily from the response body,
// so backpressure propagates to the provider through the connection.
func (c *openAICompatibleClient) GenerateStream(ctx context.Context, prompt, systemPrompt string) (Stream, error) {
	resp, err := c.doChat(ctx, c.buildRequest(prompt, systemPrompt, true))
	if err != nil {
		return nil, err
	}
	return &sseStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.done = true
				return "", io.EOF
			}
			return "", fmt.Errorf("failed to read from stream: %w", err)
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk chatStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// 跳过无法解析的保活行
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
