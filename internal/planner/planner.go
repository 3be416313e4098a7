// Package planner turns user text into the raw plan document the gate
// consumes. Two adapters are provided: an OpenAI-compatible HTTP client
// and a deterministic rule matcher for offline or degraded operation.
// Neither executes anything; they only propose.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haricheung/jarvis/internal/tools"
)

// Planner proposes a plan document for one user utterance. The returned
// string is the raw JSON document; the plan gate validates it.
type Planner interface {
	Plan(ctx context.Context, userText, contextHint string) (string, error)
}

const systemPromptTemplate = `You are JARVIS, a local assistant that plans tool calls for a sandboxed executor.

Available tools (JSON Schema):
%s

Respond with ONLY a JSON object (no markdown, no prose) of this exact shape:
{
  "thinking": "<brief reasoning about what the user needs>",
  "tool_calls": [
    {"tool": "<name from the list>", "arguments": {<arguments matching that tool's schema>}, "reasoning": "<why this call>"}
  ],
  "response": "<direct answer when no tool is needed>"
}

Rules:
- Use ONLY tools from the list above. NEVER invent a tool name.
- Arguments must satisfy the tool's parameter schema exactly; no extra keys.
- When you can answer directly, leave tool_calls empty and fill response.
- Prefer the single most specific tool; chain calls only when the request genuinely needs several.
- Never fabricate tool output. The system executes the calls and reports results.`

// buildSystemPrompt renders the planning instructions with the registry's
// current schema export embedded.
func buildSystemPrompt(reg *tools.Registry) string {
	schemas, err := json.MarshalIndent(reg.SchemasForPlanner(), "", "  ")
	if err != nil {
		schemas = []byte("[]")
	}
	return fmt.Sprintf(systemPromptTemplate, schemas)
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions"
// suffix from a raw base URL value so the path is never doubled when the
// client appends "/chat/completions" itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// HTTPPlanner is an OpenAI-compatible chat-completions planner.
type HTTPPlanner struct {
	baseURL    string
	apiKey     string
	model      string
	label      string // tag used in log lines
	httpClient *http.Client
	limiter    *Limiter
	reg        *tools.Registry
}

// NewHTTPPlanner creates an HTTPPlanner from the environment. For each
// config key it first tries PLANNER_{KEY}; if unset it falls back to the
// shared OPENAI_{KEY}:
//
//	PLANNER_API_KEY  → OPENAI_API_KEY
//	PLANNER_BASE_URL → OPENAI_BASE_URL
//	PLANNER_MODEL    → OPENAI_MODEL
func NewHTTPPlanner(reg *tools.Registry, limiter *Limiter) *HTTPPlanner {
	get := func(suffix string) string {
		if v := os.Getenv("PLANNER_" + suffix); v != "" {
			return v
		}
		return os.Getenv("OPENAI_" + suffix)
	}
	return &HTTPPlanner{
		baseURL:    normalizeBaseURL(get("BASE_URL")),
		apiKey:     get("API_KEY"),
		model:      get("MODEL"),
		label:      "PLANNER",
		httpClient: &http.Client{Timeout: 120 * time.Second},
		limiter:    limiter,
		reg:        reg,
	}
}

// Validate reports whether the planner has the configuration it needs to
// make calls, naming every missing field.
func (p *HTTPPlanner) Validate() error {
	var missing []string
	if p.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if p.apiKey == "" {
		missing = append(missing, "API key")
	}
	if p.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("[%s] not configured: missing %s", p.label, strings.Join(missing, ", "))
	}
	return nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one planner call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Plan sends the utterance to the chat-completions endpoint and returns
// the assistant's raw document. The call is rate limited; fence and
// think-block stripping happen downstream at the gate.
func (p *HTTPPlanner) Plan(ctx context.Context, userText, contextHint string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := p.limiter.Acquire(ctx); err != nil {
		return "", fmt.Errorf("planner: rate limit: %w", err)
	}

	user := userText
	if contextHint != "" {
		user = fmt.Sprintf("Recent context:\n%s\n\nUser request: %s", contextHint, userText)
	}
	log.Printf("[%s] ── REQUEST (%s) ────────────────────────────────\n%s\n── END REQUEST ─────────────────────────────────",
		p.label, p.model, user)

	payload := chatRequest{
		Model: p.model,
		Messages: []chatMsg{
			{Role: "system", Content: buildSystemPrompt(p.reg)},
			{Role: "user", Content: user},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("planner: marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("planner: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("planner: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("planner: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("planner: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("planner: unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("planner: API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("planner: no choices in response")
	}

	content := chatResp.Choices[0].Message.Content
	log.Printf("[%s] ── RESPONSE (tokens: prompt=%d completion=%d) ──\n%s\n── END RESPONSE ────────────────────────────────",
		p.label, chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens, content)
	return content, nil
}
