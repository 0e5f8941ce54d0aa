// Package schema defines a peer's I/O contract and the one-time probe
// that discovers and caches it.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSchemaMismatch is a caller error: the inputs offered do not match
// the cached schema for the peer handling them. It never causes a ban.
var ErrSchemaMismatch = errors.New("schema: input does not match cached schema")

// Schema describes a peer's expected keyword names, forward-input
// structure, and output structure. The wire representation is a JSON
// object; the core does not interpret the structures beyond keyword
// names, leaving tensor-shape semantics to the embedder.
type Schema struct {
	Keywords    []string          `json:"keywords"`
	ForwardSpec map[string]string `json:"forward_spec"`
	OutputSpec  map[string]string `json:"output_spec"`
}

// Parse decodes a peer's raw schema response.
func Parse(raw []byte) (Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return Schema{}, fmt.Errorf("schema: malformed schema payload: %w", err)
	}
	return s, nil
}

// Validate rejects an input keyword set that does not match s exactly.
// Order is not significant; extras and omissions are both mismatches.
func (s Schema) Validate(inputKeywords []string) error {
	if len(inputKeywords) != len(s.Keywords) {
		return fmt.Errorf("%w: want %d keywords, got %d", ErrSchemaMismatch, len(s.Keywords), len(inputKeywords))
	}
	want := make(map[string]int, len(s.Keywords))
	for _, k := range s.Keywords {
		want[k]++
	}
	for _, k := range inputKeywords {
		if want[k] == 0 {
			return fmt.Errorf("%w: unexpected keyword %q", ErrSchemaMismatch, k)
		}
		want[k]--
	}
	return nil
}
