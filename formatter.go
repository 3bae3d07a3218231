package scorepipe

import (
	"fmt"

	"github.com/bkral/go-scorepipe/internal/interfaces"
)

// Context is the opaque value describing a call's shared features. The
// driver never inspects it; it only passes it to the formatter.
type Context = any

// Item is the opaque value describing one scoring candidate
type Item = any

// Formatter turns a context and items into engine input lines. The driver
// composes each line as Common(ctx) + Item(ctx, item) + "\n"; neither part
// may contain an embedded newline.
//
// Formatter invocations are strictly sequential within a call. Items are
// formatted a batch at a time; once the call's deadline has elapsed no new
// batch is formatted.
type Formatter = interfaces.Formatter

// CommonCacheKeyer is an optional Formatter capability: when implemented,
// the driver reuses the formatted common prefix across consecutive calls
// whose contexts yield the same key.
type CommonCacheKeyer = interfaces.CommonCacheKeyer

// Logger is the optional logging capability accepted by Options
type Logger = interfaces.Logger

// DummyFormatter passes pre-formatted strings through. The context is
// ignored and each item must be a string already in the engine's input
// grammar (without the trailing newline).
type DummyFormatter struct{}

// Common returns an empty prefix
func (DummyFormatter) Common(reqCtx Context, debug bool) (string, error) {
	return "", nil
}

// Item passes the pre-formatted string through
func (DummyFormatter) Item(reqCtx Context, item Item, debug bool) (string, error) {
	s, ok := item.(string)
	if !ok {
		return "", fmt.Errorf("dummy formatter wants string items, got %T", item)
	}
	return s, nil
}

// ParseElement returns the token unchanged
func (DummyFormatter) ParseElement(token string) (string, error) {
	return token, nil
}

// Compile-time interface check
var _ Formatter = DummyFormatter{}
