package app

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const encryptionKeyBytes = 32 // AES-256

// DecodeEncryptionKey decodes the at-rest encryption key from hex or base64
// and enforces the AES-256 length. A missing or malformed key is a
// configuration error and must abort startup.
func DecodeEncryptionKey(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, fmt.Errorf("mfa.encryption_key is required")
	}

	key, err := decodeKey(v)
	if err != nil {
		return nil, fmt.Errorf("mfa.encryption_key: %w", err)
	}
	if len(key) != encryptionKeyBytes {
		return nil, fmt.Errorf("mfa.encryption_key must decode to %d bytes, got %d", encryptionKeyBytes, len(key))
	}

	return key, nil
}

// decodeKey tries hex first, then base64 variants.
func decodeKey(v string) ([]byte, error) {
	if len(v)%2 == 0 {
		if decoded, err := hex.DecodeString(v); err == nil {
			return decoded, nil
		}
	}

	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(v); err == nil {
		return decoded, nil
	}

	return nil, fmt.Errorf("value is neither hex nor base64")
}
