// ABOUTME: Registry of layout parsers
// ABOUTME: Selects the parser for an input by previewing its first bytes

package heapdump

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrNoParser is returned when no parser recognizes the input
var ErrNoParser = errors.New("no parser found for layout format")

const previewSize = 4096

type parserRegistry struct {
	mu      sync.RWMutex
	parsers []Parser
}

var registry = &parserRegistry{}

// Register adds a parser. Parsers are tried in registration order.
func Register(p Parser) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.parsers = append(registry.parsers, p)
}

// Open reads a layout with the first parser recognizing it
func Open(r io.Reader) (*Layout, error) {
	preview := make([]byte, previewSize)
	n, err := io.ReadFull(r, preview)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	preview = preview[:n]

	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, p := range registry.parsers {
		if p.CanParse(bytes.NewReader(preview)) {
			return p.Parse(io.MultiReader(bytes.NewReader(preview), r))
		}
	}
	return nil, ErrNoParser
}
