package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// GeminiConfig configures the Gemini API oracle.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiOracle asks a Gemini model for JSON decisions.
type GeminiOracle struct {
	client *genai.Client
	model  string
}

// NewGeminiOracle creates a Gemini API client.
func NewGeminiOracle(ctx context.Context, cfg GeminiConfig) (*GeminiOracle, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiOracle{client: client, model: model}, nil
}

func (o *GeminiOracle) Decide(ctx context.Context, req *Request) (*Response, error) {
	resp, err := o.client.Models.GenerateContent(ctx, o.model, genai.Text(req.Prompt),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeOracleFailed, "gemini request failed").WithCause(err)
	}

	text := resp.Text()
	fields, err := DecodeAnswer(text)
	if err != nil {
		return nil, err
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return &Response{Fields: fields, TokensUsed: tokens, Model: o.model, Raw: text}, nil
}

// DecodeAnswer parses a JSON object out of model text, tolerating a fenced
// code block around it.
func DecodeAnswer(text string) (map[string]any, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var fields map[string]any
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, schema.NewError(schema.ErrCodeOracleFailed, "oracle answer is not a JSON object").WithCause(err)
	}
	return fields, nil
}
