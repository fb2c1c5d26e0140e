package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Summarizer rewrites a finding's templated detail into a friendlier
// explanation. Summarizers are best-effort: on any error the generator
// falls back to the template, so insights never block on an LLM.
type Summarizer interface {
	Summarize(ctx context.Context, finding Finding) (string, error)
}

// OpenAISummarizer phrases explanations with a chat completion call.
type OpenAISummarizer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAISummarizer creates a summarizer using the given chat model.
func NewOpenAISummarizer(apiKey, model string, timeout time.Duration) *OpenAISummarizer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OpenAISummarizer{
		apiKey:     apiKey,
		model:      model,
		baseURL:    "https://api.openai.com/v1",
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const summarizerSystemPrompt = "You help people reflect on their personal decisions. " +
	"Rewrite the observation below as two supportive, concrete sentences. " +
	"Keep every number exactly as given. Do not invent data."

// Summarize asks the chat model to rephrase the finding.
func (s *OpenAISummarizer) Summarize(ctx context.Context, finding Finding) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Observation: %s\n", finding.Detail)
	if len(finding.Evidence.Metrics) > 0 {
		keys := make([]string, 0, len(finding.Evidence.Metrics))
		for k := range finding.Evidence.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Metrics:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%.2f", k, finding.Evidence.Metrics[k])
		}
	}

	reqBody, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: summarizerSystemPrompt},
			{Role: "user", Content: b.String()},
		},
		MaxTokens:   200,
		Temperature: 0.4,
	})
	if err != nil {
		return "", fmt.Errorf("insight: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("insight: create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("insight: send chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("insight: read chat response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("insight: unmarshal chat response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("insight: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("insight: unexpected status %d", resp.StatusCode)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("insight: empty chat completion")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// TemplateSummarizer returns the rule's templated detail verbatim. Used
// when no API key is configured.
type TemplateSummarizer struct{}

// Summarize returns the finding's own detail text.
func (TemplateSummarizer) Summarize(_ context.Context, finding Finding) (string, error) {
	return finding.Detail, nil
}
