// Package titler names new threads after their first message.
package titler

import (
	"context"
	"strings"
)

// DefaultMaxLength is the length of truncated titles.
const DefaultMaxLength = 30

type Titler interface {
	Title(ctx context.Context, firstMessage string) string
}

type SimpleTitler struct {
	maxLength int
}

func NewSimpleTitler(maxLength int) *SimpleTitler {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &SimpleTitler{maxLength: maxLength}
}

// Title keeps the first maxLength characters of the trimmed message.
func (t *SimpleTitler) Title(ctx context.Context, firstMessage string) string {
	runes := []rune(strings.TrimSpace(firstMessage))
	if len(runes) > t.maxLength {
		runes = runes[:t.maxLength]
	}
	return string(runes)
}
