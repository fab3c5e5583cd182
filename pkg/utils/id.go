package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a prefixed random identifier, e.g. "client-0f8c...".
func GenerateID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}
