package jsoncodec

import (
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// RawMessage defers decoding of an embedded JSON value.
type RawMessage = json.RawMessage

// ConfigStd keeps encoding/json semantics: sorted map keys, HTML escaping and
// strict validation of raw messages.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}
