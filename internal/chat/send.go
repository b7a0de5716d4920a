package chat

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/events"
	"github.com/xaenox/copilot-chat/internal/models"
)

// ConnectionErrorText is shown in place of an answer the backend could not
// deliver.
const ConnectionErrorText = "Error connecting to the server."

// Send posts text to the selected thread and streams the answer into it.
// When the new-thread placeholder is selected a thread is created first.
// The returned message is the finalized answer; the error reports why it
// failed or was cancelled.
func (s *Store) Send(ctx context.Context, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.ErrEmptyMessage
	}

	s.mu.Lock()
	threadID, isNew := s.active, s.isNew
	s.mu.Unlock()

	if isNew || threadID == "" {
		thread := s.createThread(ctx, text)
		threadID = thread.ID
	}

	if err := s.reserve(threadID); err != nil {
		return nil, err
	}

	if _, err := s.AppendUserMessage(ctx, threadID, text); err != nil {
		s.release(threadID)
		return nil, err
	}

	if err := s.backend.AppendMessage(ctx, threadID, text); err != nil {
		s.logger.Error("Error saving user message",
			zap.String("thread_id", threadID),
			zap.Error(err))
	}

	if _, err := s.addPlaceholder(ctx, threadID); err != nil {
		return nil, err
	}

	return s.stream(ctx, threadID, text)
}

// createThread turns the placeholder into a thread. When the backend
// cannot save it a local identifier is used.
func (s *Store) createThread(ctx context.Context, text string) models.Thread {
	title := s.titler.Title(ctx, text)

	var thread models.Thread
	saved, err := s.backend.CreateThread(ctx, title, nil)
	if err != nil {
		s.logger.Error("Error saving new thread", zap.Error(err))
		thread = models.Thread{
			ID:        dayThreadPrefix + uuid.NewString(),
			Name:      title,
			Usecase:   NewThreadUsecase,
			CreatedAt: s.now(),
		}
	} else {
		thread = *saved
		if thread.CreatedAt.IsZero() {
			thread.CreatedAt = s.now()
		}
	}

	if err := s.storage.SaveThread(ctx, s.owner, &thread); err != nil {
		s.logger.Error("Error storing new thread",
			zap.String("thread_id", thread.ID),
			zap.Error(err))
	}

	s.mu.Lock()
	s.active = thread.ID
	s.isNew = false
	s.mu.Unlock()

	s.publish(events.Event{Type: events.ThreadsChanged})
	s.publish(events.Event{Type: events.ThreadSelected, ThreadID: thread.ID})
	return thread
}

// Cancel aborts the send streaming into threadID.
func (s *Store) Cancel(threadID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[threadID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// stream applies the fragments of the answer to the placeholder until a
// terminal fragment, the end of the answer, or a failure.
func (s *Store) stream(ctx context.Context, threadID, text string) (*models.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[threadID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, threadID)
		s.mu.Unlock()
		cancel()
	}()

	logger := s.logger.With(zap.String("thread_id", threadID))
	stream := s.backend.Query(ctx, text)
	defer stream.Close()

	// Finalizing must happen even when ctx is already cancelled.
	finalize := func(result Result) (*models.Message, error) {
		return s.FinalizeStreamingMessage(context.WithoutCancel(ctx), threadID, result)
	}

	var answer strings.Builder
	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			return finalize(Answer(answer.String()))
		}
		if err != nil {
			return s.fail(finalize, logger, answer.String(), err)
		}

		chunk, err := models.ParseFragment(frag)
		if err != nil {
			logger.Warn("Skipping malformed fragment",
				zap.String("fragment", frag),
				zap.Error(err))
			continue
		}

		switch chunk.Kind {
		case models.ChunkDelta:
			answer.WriteString(chunk.Text)
			if err := s.UpdateStreamingMessage(ctx, threadID, answer.String()); err != nil {
				logger.Error("Failed to update streaming message", zap.Error(err))
			}
		case models.ChunkFinal:
			return finalize(Answer(chunk.Text))
		case models.ChunkFile:
			return finalize(FileAnswer(chunk.File))
		}
	}
}

func (s *Store) fail(finalize func(Result) (*models.Message, error), logger *zap.Logger, partial string, cause error) (*models.Message, error) {
	if errors.Is(cause, errors.ErrCancelled) {
		logger.Info("Send cancelled")
		msg, err := finalize(Cancelled(partial))
		if err != nil {
			return nil, err
		}
		return msg, cause
	}

	logger.Error("API call failed", zap.Error(cause))
	msg, err := finalize(Failure(ConnectionErrorText))
	if err != nil {
		return nil, err
	}

	if errors.Is(cause, errors.ErrUnauthorized) && s.session != nil {
		s.session.Logout(true)
	}
	return msg, cause
}
