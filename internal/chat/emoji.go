package chat

import (
	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

// InvalidReaction is returned when a reaction is not exactly one emoji.
var InvalidReaction = errors.Wrap(ErrValidation, "the reaction must be a single emoji")

// ValidateReaction checks that the reaction only contains a single emoji.
func ValidateReaction(reaction string) error {
	emojis := gomoji.CollectAll(reaction)
	if len(emojis) != 1 || emojis[0].Character != reaction {
		return InvalidReaction
	}
	return nil
}
