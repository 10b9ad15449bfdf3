package track

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v as JSON with object keys sorted
// lexicographically at every depth. Two values that differ only in object
// key order produce identical output.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("track: canonical marshal: %w", err)
	}
	return canonicalizeRaw(raw)
}

// Checksum returns the lowercase hex SHA-256 of the canonical serialization
// of the event sequence. The checksum domain is the events only.
func Checksum(events []Event) (string, error) {
	if events == nil {
		events = []Event{}
	}
	canonical, err := CanonicalJSON(events)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ChecksumRaw computes the checksum of an already-serialized event array.
// It canonicalizes first, so the caller's key order is irrelevant.
func ChecksumRaw(raw json.RawMessage) (string, error) {
	canonical, err := canonicalizeRaw(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalizeRaw round-trips raw JSON through an untyped value and
// re-marshals it. Decoding with UseNumber keeps numeric text intact, and
// Go's map marshaling emits keys in sorted order, which yields the sorted
// form at every depth.
func canonicalizeRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("track: canonical decode: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("track: canonical remarshal: %w", err)
	}
	return out, nil
}
