package config

import (
	"encoding/json"
	"hash/fnv"
)

// digest fingerprints a config so editor write bursts that do not change
// content are not republished. 0 means "unknown".
func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return fnv64(b)
}

func fnv64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// sameJSON compares two raw documents ignoring key order and whitespace.
// Invalid JSON falls back to a byte comparison.
func sameJSON(a, b json.RawMessage) bool {
	return fnv64(canonicalJSON(a)) == fnv64(canonicalJSON(b))
}

func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}
