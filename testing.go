package scorepipe

import (
	"fmt"
	"sync"
)

// MockFormatter is a configurable Formatter for testing drivers and
// callers. It tracks invocation counts and can be told to fail on
// selected items.
type MockFormatter struct {
	// Prefix is returned by Common
	Prefix string

	// FailItems makes Item fail for these item values
	FailItems map[string]bool

	// FailCommon makes Common fail
	FailCommon bool

	mu          sync.Mutex
	commonCalls int
	itemCalls   int
}

// NewMockFormatter creates a mock formatter with the given common prefix
func NewMockFormatter(prefix string) *MockFormatter {
	return &MockFormatter{Prefix: prefix}
}

// Common implements Formatter
func (m *MockFormatter) Common(reqCtx Context, debug bool) (string, error) {
	m.mu.Lock()
	m.commonCalls++
	m.mu.Unlock()
	if m.FailCommon {
		return "", fmt.Errorf("mock common failure")
	}
	return m.Prefix, nil
}

// Item implements Formatter. Items must be strings.
func (m *MockFormatter) Item(reqCtx Context, item Item, debug bool) (string, error) {
	m.mu.Lock()
	m.itemCalls++
	m.mu.Unlock()
	s, ok := item.(string)
	if !ok {
		return "", fmt.Errorf("mock formatter wants string items, got %T", item)
	}
	if m.FailItems[s] {
		return "", fmt.Errorf("mock item failure for %q", s)
	}
	return s, nil
}

// ParseElement implements Formatter
func (m *MockFormatter) ParseElement(token string) (string, error) {
	return "label:" + token, nil
}

// CommonCalls returns how many times Common was invoked
func (m *MockFormatter) CommonCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commonCalls
}

// ItemCalls returns how many times Item was invoked
func (m *MockFormatter) ItemCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemCalls
}

// Compile-time interface check
var _ Formatter = (*MockFormatter)(nil)

// EchoEngine returns an engine command that echoes every input line back
// unchanged. With the DummyFormatter and numeric item strings this makes
// the expected score of each item the item itself.
func EchoEngine() []string {
	return []string{"/bin/cat"}
}

// SlowEchoEngine returns an engine command that sleeps for delay (a value
// accepted by sleep(1), e.g. "0.005") before echoing each line. Useful for
// deadline-truncation tests.
func SlowEchoEngine(delay string) []string {
	return []string{"sh", "-c",
		fmt.Sprintf(`while read line; do sleep %s; echo "$line"; done`, delay)}
}

// OneShotEngine returns an engine command that answers a single line and
// exits. Useful for engine-death tests.
func OneShotEngine() []string {
	return []string{"sh", "-c", `read line; echo "$line"`}
}

// StaticLineEngine returns an engine command that answers every input line
// with the given fixed output line. The payload must not contain single
// quotes.
func StaticLineEngine(payload string) []string {
	return []string{"sh", "-c",
		fmt.Sprintf(`while read line; do echo '%s'; done`, payload)}
}
