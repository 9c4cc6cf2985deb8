package utils

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// Fingerprint hashes the JSON encoding of v. encoding/json writes struct
// fields in declaration order and sorts map keys, so equal values always
// produce equal fingerprints.
func Fingerprint(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value for fingerprint: %w", err)
	}
	return HashString(string(data)), nil
}
