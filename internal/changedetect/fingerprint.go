package changedetect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/votoclaro/electsync/internal/textnorm"
)

// Fingerprint returns the hex SHA-256 of the canonical JSON form of payload.
// Object keys are emitted in sorted order and string values are trimmed with
// internal whitespace collapsed, so formatting-only upstream changes yield
// the same digest.
func Fingerprint(payload interface{}) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize encodes payload in the form Fingerprint hashes.
func Canonicalize(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	// map keys are sorted by the encoder
	out, err := json.Marshal(normalizeValue(generic))
	if err != nil {
		return nil, fmt.Errorf("failed to encode canonical payload: %w", err)
	}
	return out, nil
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return textnorm.Whitespace(val)
	case map[string]interface{}:
		for k, inner := range val {
			val[k] = normalizeValue(inner)
		}
		return val
	case []interface{}:
		for i, inner := range val {
			val[i] = normalizeValue(inner)
		}
		return val
	default:
		return val
	}
}
