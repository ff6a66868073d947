// ABOUTME: JSON layout parser and writer
// ABOUTME: Recognizes documents whose first key is "objects"

package heapdump

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSON reads and writes layouts as JSON documents
type JSON struct{}

func (JSON) CanParse(r io.Reader) bool {
	dec := json.NewDecoder(r)
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return false
	}
	tok, err := dec.Token()
	return err == nil && tok == "objects"
}

func (JSON) Parse(r io.Reader) (*Layout, error) {
	var l Layout
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("decoding layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Write encodes l as indented JSON
func (JSON) Write(w io.Writer, l *Layout) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l)
}

func init() {
	Register(JSON{})
}
