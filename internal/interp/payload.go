package interp

import (
	"encoding/json"
	"fmt"
	"io"
)

// Payload is the stdin frame handed to the in-sandbox runner: the
// validated content plus the named input series bound as globals.
type Payload struct {
	Content string               `json:"content"`
	Inputs  map[string][]float64 `json:"inputs,omitempty"`
}

// EncodePayload renders the stdin frame for a sandboxed run.
func EncodePayload(content string, inputs map[string][]float64) ([]byte, error) {
	raw, err := json.Marshal(Payload{Content: content, Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("encode runner payload: %w", err)
	}
	return raw, nil
}

// DecodePayload reads one frame from r.
func DecodePayload(r io.Reader) (Payload, error) {
	var p Payload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("decode runner payload: %w", err)
	}
	return p, nil
}
