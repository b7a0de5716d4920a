// Package storage keeps the threads and messages shown to each owner.
// An owner is whoever a chat store works for: the logged in user of the
// CLI or one Telegram chat.
package storage

import (
	"context"

	"github.com/xaenox/copilot-chat/internal/models"
)

type Storage interface {
	ThreadStorage
	MessageStorage
	Close() error
}

// ThreadStorage keeps an ordered thread list per owner.
type ThreadStorage interface {
	// ListThreads returns the threads in display order.
	ListThreads(ctx context.Context, owner string) ([]models.Thread, error)
	GetThread(ctx context.Context, owner, threadID string) (*models.Thread, error)
	// SaveThread updates a known thread in place or puts a new one first.
	SaveThread(ctx context.Context, owner string, thread *models.Thread) error
	// ReplaceAll swaps every thread and message of owner at once.
	ReplaceAll(ctx context.Context, owner string, threads []models.Thread, messages map[string][]*models.Message) error
}

type MessageStorage interface {
	// ListMessages returns the messages of a thread ordered by creation
	// time, insertion order breaking ties.
	ListMessages(ctx context.Context, owner, threadID string) ([]*models.Message, error)
	// SaveMessage replaces the message with the same id or appends it.
	SaveMessage(ctx context.Context, owner string, msg *models.Message) error
}
