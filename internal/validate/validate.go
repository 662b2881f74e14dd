// Package validate rejects malformed user input before any write is
// attempted. Validation failures are surfaced immediately and never
// retried.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/vich3er/cursova/internal/remote"
)

const (
	MaxNameLength    = 100
	MaxItemLength    = 200
	MaxMessageLength = 1000
)

// Sanitize normalizes user input before validation and storage.
func Sanitize(s string) string {
	return strings.TrimSpace(s)
}

// Name checks a group or list name.
func Name(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return remote.NewValidation("name must not be empty")
	}
	if len([]rune(trimmed)) > MaxNameLength {
		return remote.NewValidation(fmt.Sprintf("name too long (max %d characters)", MaxNameLength))
	}
	return nil
}

// ItemName checks a shopping item's text.
func ItemName(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return remote.NewValidation("item name must not be empty")
	}
	if len([]rune(trimmed)) > MaxItemLength {
		return remote.NewValidation(fmt.Sprintf("item name too long (max %d characters)", MaxItemLength))
	}
	return nil
}

// Message checks a chat message.
func Message(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return remote.NewValidation("message must not be empty")
	}
	if len([]rune(trimmed)) > MaxMessageLength {
		return remote.NewValidation(fmt.Sprintf("message too long (max %d characters)", MaxMessageLength))
	}
	return nil
}

// DisplayName checks that a display name is well-formed and not already
// taken. Names are unique case-insensitively: they are stored lowercased.
func DisplayName(ctx context.Context, q remote.Querier, displayName string) error {
	if err := Name(displayName); err != nil {
		return err
	}
	normalized := strings.ToLower(strings.TrimSpace(displayName))
	existing, err := q.ProfileByDisplayName(ctx, normalized)
	if err != nil {
		return remote.Classify(err)
	}
	if existing != nil {
		return remote.NewValidation("display name already taken")
	}
	return nil
}
