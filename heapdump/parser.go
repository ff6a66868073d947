// ABOUTME: Parser interface for heap layout formats
// ABOUTME: Defines the contract for pluggable layout readers

package heapdump

import "io"

// Parser reads one layout format
type Parser interface {
	// CanParse inspects a preview of the input and reports whether the
	// format is recognized. It must not assume the preview is complete.
	CanParse(r io.Reader) bool

	// Parse reads the whole input from the start
	Parse(r io.Reader) (*Layout, error)
}
