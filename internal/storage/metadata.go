package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// MarshalMetadata encodes a Datum's metadata map for storage in a JSON
// column (embedded and remote backends).
func MarshalMetadata(meta map[string]string) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(raw), nil
}

// UnmarshalMetadata decodes a metadata JSON column back into a map. An
// empty string decodes to a nil map.
func UnmarshalMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, nil
}

// validMetadataKeyRe validates metadata key names for use in JSON path
// expressions (SQLite's json_extract or MySQL's JSON_EXTRACT).
// Keys must start with a letter or underscore and contain only
// alphanumeric characters, underscores, and dots.
var validMetadataKeyRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// ValidateMetadataKey checks that a metadata key is safe to interpolate
// into a JSON path expression. Backends call this before building a
// dynamic WHERE clause for Query.Where so that keys can never carry SQL
// injection payloads.
func ValidateMetadataKey(key string) error {
	if !validMetadataKeyRe.MatchString(key) {
		return fmt.Errorf("invalid metadata key %q: must match [a-zA-Z_][a-zA-Z0-9_.]*", key)
	}
	return nil
}
