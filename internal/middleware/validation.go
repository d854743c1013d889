package middleware

import (
	"errors"
	"unicode/utf8"
)

const (
	maxIDLength  = 256
	maxKeyLength = 256
)

// ValidateStreamID validates a stream id taken from a path or body.
func ValidateStreamID(id string) error {
	return validateIdentifier("stream_id", id, maxIDLength)
}

// ValidateClientID validates a checkpoint consumer id.
func ValidateClientID(id string) error {
	return validateIdentifier("client_id", id, maxIDLength)
}

// ValidateIdempotencyKey validates a caller-chosen idempotency key.
func ValidateIdempotencyKey(key string) error {
	return validateIdentifier("idempotency_key", key, maxKeyLength)
}

func validateIdentifier(field, v string, limit int) error {
	if len(v) == 0 {
		return errors.New(field + " cannot be empty")
	}
	if len(v) > limit {
		return errors.New(field + " exceeds maximum length")
	}
	if !utf8.ValidString(v) {
		return errors.New(field + " must be valid UTF-8")
	}
	for _, r := range v {
		if r < 0x20 || r == 0x7f {
			return errors.New(field + " contains control characters")
		}
	}
	return nil
}
