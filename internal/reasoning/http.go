package reasoning

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// HTTPConfig configures an oracle reached over a JSON HTTP endpoint.
type HTTPConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type httpDecisionRequest struct {
	Model          string          `json:"model,omitempty"`
	DecisionType   string          `json:"decision_type"`
	Prompt         string          `json:"prompt"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
}

type httpDecisionResponse struct {
	Output map[string]any `json:"output"`
	Model  string         `json:"model"`
	Usage  struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// HTTPOracle posts decision requests to a completion gateway.
type HTTPOracle struct {
	cfg    HTTPConfig
	client *resty.Client
}

// NewHTTPOracle creates an oracle for cfg.Endpoint.
func NewHTTPOracle(cfg HTTPConfig) *HTTPOracle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPOracle{cfg: cfg, client: client}
}

func (o *HTTPOracle) Decide(ctx context.Context, req *Request) (*Response, error) {
	var out httpDecisionResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(&httpDecisionRequest{
			Model:          o.cfg.Model,
			DecisionType:   req.DecisionType,
			Prompt:         req.Prompt,
			ResponseSchema: req.ResponseSchema,
		}).
		SetResult(&out).
		Post(o.cfg.Endpoint)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeOracleFailed, "oracle request failed").WithCause(err)
	}
	if resp.IsError() {
		return nil, schema.NewErrorf(schema.ErrCodeOracleFailed, "oracle returned %s", resp.Status()).
			WithDetails(map[string]any{"status_code": resp.StatusCode()})
	}
	if out.Output == nil {
		return nil, schema.NewError(schema.ErrCodeOracleFailed, "oracle response has no output")
	}

	model := out.Model
	if model == "" {
		model = o.cfg.Model
	}
	return &Response{
		Fields:     out.Output,
		TokensUsed: out.Usage.TotalTokens,
		Model:      model,
		Raw:        string(resp.Body()),
	}, nil
}
