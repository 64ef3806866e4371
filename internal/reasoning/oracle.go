// Package reasoning is the boundary to the external decision oracle.
package reasoning

import (
	"context"
)

// Request is one structured judgement call sent to the oracle.
type Request struct {
	DecisionType string
	// Prompt is the fully rendered instruction text.
	Prompt string
	// ResponseSchema is the JSON Schema the oracle answer must satisfy.
	ResponseSchema []byte
}

// Response is the parsed oracle answer.
type Response struct {
	Fields     map[string]any
	TokensUsed int
	Model      string
	Raw        string
}

// Oracle answers structured decision requests. Any error return counts as a
// circuit-breaker failure for the caller.
type Oracle interface {
	Decide(ctx context.Context, req *Request) (*Response, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req *Request) (*Response, error)

func (f OracleFunc) Decide(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
