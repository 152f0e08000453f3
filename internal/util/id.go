package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed random identifier such as "ann_3f2c...".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
