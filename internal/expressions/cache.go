package expressions

import (
	"sync"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// programCache memoizes compiled programs by expression text. A failed
// compilation is not cached.
type programCache[P any] struct {
	lang    string
	compile func(expression string) (P, error)

	mu    sync.RWMutex
	items map[string]P
}

func newProgramCache[P any](lang string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{
		lang:    lang,
		compile: compile,
		items:   make(map[string]P),
	}
}

func (c *programCache[P]) get(expression string) (P, error) {
	if expression == "" {
		var zero P
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.lang)
	}

	c.mu.RLock()
	p, ok := c.items[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.items[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return p, err
	}
	c.items[expression] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// compileError reports an expression that does not parse or type-check.
func compileError(lang, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

// evalError reports a compiled expression that failed against its data.
func evalError(lang, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluating %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}
