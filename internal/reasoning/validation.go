package reasoning

import (
	"slices"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// ValidateChoice checks that the chosen option is one of the offered options.
// With no options any choice is accepted.
func ValidateChoice(options []string, choice string) error {
	if len(options) == 0 || slices.Contains(options, choice) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeOracleFailed, "oracle chose %q, not in options %v", choice, options)
}

// Confidence extracts a 0-100 confidence from a decoded answer.
// Values in [0,1] are treated as fractions and scaled.
func Confidence(fields map[string]any) float64 {
	var c float64
	switch v := fields["confidence"].(type) {
	case float64:
		c = v
	case int:
		c = float64(v)
	case int64:
		c = float64(v)
	}
	if c > 0 && c < 1 {
		c *= 100
	}
	return min(max(c, 0), 100)
}

// String returns fields[key] if it is a string.
func String(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
