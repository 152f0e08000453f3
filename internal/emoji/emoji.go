// Package emoji validates message reactions.
package emoji

import (
	"errors"

	"github.com/forPelevin/gomoji"
)

var ErrInvalidReaction = errors.New("reaction must be a single emoji")

// ValidateReaction accepts exactly one emoji with nothing around it.
func ValidateReaction(reaction string) error {
	if len(gomoji.RemoveEmojis(reaction)) > 0 {
		return ErrInvalidReaction
	}
	if len(gomoji.FindAll(reaction)) != 1 {
		return ErrInvalidReaction
	}
	return nil
}
