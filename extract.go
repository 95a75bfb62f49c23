package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Extractor converts transcript text into candidate field values for one
// stage. Implementations are best-effort: a transcript that cannot be
// parsed yields an empty candidate map and an error the caller logs and
// absorbs; the call itself is never failed because extraction failed.
type Extractor interface {
	Extract(ctx context.Context, transcript string, stage int, known TruthTable) (map[string]Candidate, error)
}

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"
const maxTranscriptChars = 24000

type LLMUsage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u *LLMUsage) Add(other LLMUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// LLMExtractor is the model-backed extraction strategy. A glossary of
// phrase pins, when configured, overrides the model's output for fields the
// operators have locked down.
type LLMExtractor struct {
	cfg      Config
	glossary *ExtractionGlossary
}

func NewLLMExtractor(cfg Config, glossary *ExtractionGlossary) *LLMExtractor {
	return &LLMExtractor{cfg: cfg, glossary: glossary}
}

func (e *LLMExtractor) Extract(ctx context.Context, transcript string, stage int, known TruthTable) (map[string]Candidate, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, nil
	}
	transcript = tailTranscript(transcript, maxTranscriptChars)

	systemPrompt, userPrompt := buildExtractionPrompts(transcript, stage, known)

	var responseText string
	var usage LLMUsage
	var err error

	switch e.cfg.LLMProvider {
	case "openai":
		model := e.cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		log.Printf("llm extract provider=openai model=%s stage=%d chars=%d", model, stage, len(transcript))
		responseText, usage, err = callOpenAI(ctx, e.cfg.OpenAIAPIKey, model, systemPrompt, userPrompt)
	default:
		model := e.cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		log.Printf("llm extract provider=anthropic model=%s stage=%d chars=%d", model, stage, len(transcript))
		responseText, usage, err = callAnthropic(ctx, e.cfg.AnthropicAPIKey, model, systemPrompt, userPrompt)
	}
	if err != nil {
		return nil, err
	}

	candidates, err := parseExtractionResponse(responseText)
	if err != nil {
		return nil, err
	}
	log.Printf("llm extract done stage=%d fields=%d tokens_in=%d tokens_out=%d",
		stage, len(candidates), usage.InputTokens, usage.OutputTokens)

	dropOutOfScope(candidates, stage)
	applyGlossaryPins(candidates, transcript, e.glossary)
	return candidates, nil
}

// tailTranscript keeps the trailing max bytes of a transcript, moving the
// cut forward to the next rune start so a multi-byte character is never
// split.
func tailTranscript(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func buildExtractionPrompts(transcript string, stage int, known TruthTable) (string, string) {
	var fieldLines strings.Builder
	for _, f := range fieldsThroughStage(stage) {
		fieldLines.WriteString(fmt.Sprintf("- %s (%s): %s\n", f.Name, f.Type, f.Label))
	}

	var knownLines strings.Builder
	for _, f := range fieldsThroughStage(stage) {
		if fv, ok := known[f.Name]; ok && fv.Value != "" {
			knownLines.WriteString(fmt.Sprintf("- %s: %s\n", f.Name, fv.Value))
		}
	}
	knownBlock := "none"
	if knownLines.Len() > 0 {
		knownBlock = knownLines.String()
	}

	systemPrompt := fmt.Sprintf(`You extract structured business-formation data from a phone consultation transcript.
Only use the field names listed below. Only report values the customer actually stated; never guess or invent.
%s
For number fields report plain numbers, for boolean fields report "yes" or "no", for date fields prefer YYYY-MM-DD.
Set confidence between 0 and 1 for how certain you are the customer stated that value.
Skip fields the transcript does not mention. If nothing was stated, return an empty array.

Respond with JSON only (no markdown):
[{"name": "business_name", "value": "Acme Web Design", "confidence": 0.95}, ...]`, fieldLines.String())

	userPrompt := "Already known (only re-report if the customer corrected it):\n" + knownBlock +
		"\nTranscript:\n\n" + transcript
	return systemPrompt, userPrompt
}

type extractedField struct {
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
}

func parseExtractionResponse(responseText string) (map[string]Candidate, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var fields []extractedField
	if err := json.Unmarshal([]byte(responseText), &fields); err != nil {
		truncated := responseText
		if len(truncated) > 512 {
			truncated = truncated[:512] + "..."
		}
		return nil, fmt.Errorf("parsing extraction response: %w (truncated response: %s)", err, truncated)
	}

	candidates := make(map[string]Candidate, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		value := parseLooseValue(f.Value)
		if name == "" || value == "" {
			continue
		}
		candidates[name] = Candidate{Value: value, Confidence: f.Confidence}
	}
	return candidates, nil
}

// parseLooseValue accepts the value shapes models actually emit: strings,
// bare numbers, and booleans.
func parseLooseValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strings.TrimSpace(fmt.Sprintf("%v", n))
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return "true"
		}
		return "false"
	}
	return ""
}

// dropOutOfScope removes candidates for fields not valid at this stage,
// cutting the false positives a chatty transcript produces.
func dropOutOfScope(candidates map[string]Candidate, stage int) {
	valid := make(map[string]bool)
	for _, f := range fieldsThroughStage(stage) {
		valid[f.Name] = true
	}
	for name := range candidates {
		if !valid[name] {
			delete(candidates, name)
		}
	}
}

// --- Anthropic ---

func callAnthropic(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", LLMUsage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := LLMUsage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

// --- OpenAI ---

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func callOpenAI(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	reqBody := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := externalHTTPClient.Do(req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", LLMUsage{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("reading response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", LLMUsage{}, fmt.Errorf("parsing OpenAI response: %w", err)
	}
	if openAIResp.Error != nil {
		return "", LLMUsage{}, fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}
	if len(openAIResp.Choices) == 0 {
		return "", LLMUsage{}, fmt.Errorf("no choices in OpenAI response")
	}

	usage := LLMUsage{}
	if openAIResp.Usage != nil {
		usage.InputTokens = openAIResp.Usage.PromptTokens
		usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}
	return openAIResp.Choices[0].Message.Content, usage, nil
}
