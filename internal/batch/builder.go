// Package batch builds engine input batches just-in-time. Formatting runs
// interleaved with pipe I/O so the formatter works while the engine is busy.
package batch

import (
	"bytes"

	"github.com/bkral/go-scorepipe/internal/interfaces"
)

// Builder holds an item cursor and a prepared common prefix, and emits
// batches of newline-terminated lines. Formatter invocations are strictly
// sequential; the builder is not safe for concurrent use.
type Builder struct {
	formatter interfaces.Formatter
	observer  interfaces.Observer
	reqCtx    any
	items     []any
	common    string
	debug     bool

	cursor  int
	skipped int
}

// New creates a builder over items with the already-formatted common prefix
func New(formatter interfaces.Formatter, observer interfaces.Observer, reqCtx any, items []any, common string, debug bool) *Builder {
	return &Builder{
		formatter: formatter,
		observer:  observer,
		reqCtx:    reqCtx,
		items:     items,
		common:    common,
		debug:     debug,
	}
}

// Cursor returns the index of the next item to format
func (b *Builder) Cursor() int {
	return b.cursor
}

// Remaining returns the number of items not yet formatted
func (b *Builder) Remaining() int {
	return len(b.items) - b.cursor
}

// Skipped returns the number of items dropped due to formatter failures
func (b *Builder) Skipped() int {
	return b.skipped
}

// Next formats up to k items into one batch. A formatter failure skips the
// offending item: the failure is counted, reported to the observer, and the
// batch continues with the next item. Returns the batch bytes and the number
// of complete lines in it.
func (b *Builder) Next(k int) ([]byte, int) {
	return b.NextBounded(k, 0)
}

// NextBounded is Next with a byte bound. Once the batch reaches maxBytes no
// further lines are appended (a bound of 0 means unbounded). A single line
// longer than the bound is still emitted alone so the cursor always
// advances.
func (b *Builder) NextBounded(k, maxBytes int) ([]byte, int) {
	var buf bytes.Buffer
	lines := 0

	for lines < k && b.cursor < len(b.items) {
		if maxBytes > 0 && lines > 0 && buf.Len() >= maxBytes {
			break
		}

		item := b.items[b.cursor]
		b.cursor++

		suffix, err := b.formatter.Item(b.reqCtx, item, b.debug)
		if err != nil {
			b.skipped++
			if b.observer != nil {
				b.observer.ObserveFormatError()
			}
			continue
		}

		buf.WriteString(b.common)
		buf.WriteString(suffix)
		buf.WriteByte('\n')
		lines++
	}

	return buf.Bytes(), lines
}
