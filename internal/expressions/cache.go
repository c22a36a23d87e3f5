package expressions

import (
	"sync"

	"github.com/rendis/crewflow/pkg/schema"
)

// programCache memoizes compiled programs by expression text. Engines share
// one compiled program across goroutines and workflows.
type programCache[P any] struct {
	mu      sync.RWMutex
	entries map[string]P
	compile func(expression string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{entries: make(map[string]P), compile: compile}
}

// get returns the cached program for expression, compiling it on first use.
// Compile failures are not cached.
func (c *programCache[P]) get(expression string) (P, error) {
	c.mu.RLock()
	p, ok := c.entries[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return p, err
	}
	c.entries[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// compileError wraps a compile failure as a VALIDATION_ERROR naming the
// offending expression.
func compileError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
