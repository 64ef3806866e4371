package reasoning

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DecisionSchema constrains a single decision answer.
var DecisionSchema = []byte(`{
  "type": "object",
  "required": ["decision", "reasoning", "confidence"],
  "properties": {
    "decision": { "type": "string", "minLength": 1 },
    "reasoning": { "type": "string" },
    "confidence": { "type": "number", "minimum": 0, "maximum": 100 }
  }
}`)

// BatchDecisionSchema constrains a batch answer: one entry per input item,
// echoing the item id.
var BatchDecisionSchema = []byte(`{
  "type": "object",
  "required": ["decisions"],
  "properties": {
    "decisions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "decision", "confidence"],
        "properties": {
          "id": { "type": "string" },
          "decision": { "type": "string", "minLength": 1 },
          "reasoning": { "type": "string" },
          "confidence": { "type": "number", "minimum": 0, "maximum": 100 }
        }
      }
    }
  }
}`)

// PromptParams holds the inputs for a decision prompt.
type PromptParams struct {
	DecisionType string
	Question     string
	Context      map[string]any
	Options      []string
	// Items, when set, asks for one decision per item keyed by its id.
	Items []BatchItem
}

// BatchItem is one element of a batch decision.
type BatchItem struct {
	ID      string         `json:"id"`
	Context map[string]any `json:"context"`
}

// BuildPrompt renders the instruction text sent to the oracle. Context keys
// are emitted in sorted order so identical inputs produce identical prompts.
func BuildPrompt(p PromptParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the decision engine of an ERP automation system.\nDecision type: %s\n\n", p.DecisionType)
	if p.Question != "" {
		b.WriteString(p.Question)
		b.WriteString("\n\n")
	}

	if len(p.Context) > 0 {
		b.WriteString("Context:\n")
		keys := make([]string, 0, len(p.Context))
		for k := range p.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, render(p.Context[k]))
		}
		b.WriteString("\n")
	}

	if len(p.Options) > 0 {
		fmt.Fprintf(&b, "Choose exactly one of: %s\n\n", strings.Join(p.Options, ", "))
	}

	if len(p.Items) > 0 {
		b.WriteString("Items:\n")
		for _, it := range p.Items {
			fmt.Fprintf(&b, "- id=%s %s\n", it.ID, render(it.Context))
		}
		b.WriteString("\nRespond with JSON {\"decisions\": [{\"id\", \"decision\", \"reasoning\", \"confidence\"}]}, one entry per item id.")
		return b.String()
	}

	b.WriteString("Respond with JSON {\"decision\", \"reasoning\", \"confidence\"} where confidence is 0-100.")
	return b.String()
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
