package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/models"
)

// runStorageTests exercises the behaviour every Storage must share.
func runStorageTests(t *testing.T, s Storage) {
	ctx := context.Background()
	base := time.Date(2025, 9, 21, 10, 0, 0, 0, time.UTC)

	t.Run("threads", func(t *testing.T) {
		owner := "owner-" + uuid.NewString()

		threads, err := s.ListThreads(ctx, owner)
		require.NoError(t, err)
		assert.Empty(t, threads)

		require.NoError(t, s.SaveThread(ctx, owner, &models.Thread{ID: "a", Name: "first", CreatedAt: base}))
		require.NoError(t, s.SaveThread(ctx, owner, &models.Thread{ID: "b", Name: "second", CreatedAt: base}))
		require.NoError(t, s.SaveThread(ctx, owner, &models.Thread{ID: "a", Name: "first again", CreatedAt: base}))

		threads, err = s.ListThreads(ctx, owner)
		require.NoError(t, err)
		require.Len(t, threads, 2)
		assert.Equal(t, "b", threads[0].ID)
		assert.Equal(t, "first again", threads[1].Name)

		got, err := s.GetThread(ctx, owner, "b")
		require.NoError(t, err)
		assert.Equal(t, "second", got.Name)

		_, err = s.GetThread(ctx, owner, "missing")
		assert.True(t, errors.Is(err, errors.ErrNotFound))

		other, err := s.ListThreads(ctx, "owner-"+uuid.NewString())
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("messages", func(t *testing.T) {
		owner := "owner-" + uuid.NewString()

		user := models.NewUserMessage("m1", "t", "hello", base)
		loading := models.NewLoadingPlaceholder("m2", "t", base)
		early := models.NewSystemMessage("m0", "t", "earlier", models.StateComplete, base.Add(-time.Minute))
		for _, m := range []*models.Message{user, loading, early} {
			require.NoError(t, s.SaveMessage(ctx, owner, m))
		}

		msgs, err := s.ListMessages(ctx, owner, "t")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, []string{"m0", "m1", "m2"}, ids(msgs))

		file := &models.FilePayload{Filename: "r.txt", Content: "eA==", Filetype: "text/plain"}
		require.NoError(t, s.SaveMessage(ctx, owner, models.NewFileMessage("m2", "t", file, base)))

		msgs, err = s.ListMessages(ctx, owner, "t")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, models.KindFile, msgs[2].Kind)
		require.NotNil(t, msgs[2].File)
		assert.Equal(t, "r.txt", msgs[2].File.Filename)

		msgs[2].Output = "mutated"
		again, err := s.ListMessages(ctx, owner, "t")
		require.NoError(t, err)
		assert.Equal(t, "r.txt", again[2].Output)
	})

	t.Run("replace all", func(t *testing.T) {
		owner := "owner-" + uuid.NewString()
		require.NoError(t, s.SaveThread(ctx, owner, &models.Thread{ID: "old", CreatedAt: base}))
		require.NoError(t, s.SaveMessage(ctx, owner, models.NewUserMessage("x", "old", "gone", base)))

		threads := []models.Thread{
			{ID: "today_thread", Name: "Today's Conversation", CreatedAt: base},
			{ID: "thread_2025-09-20", Name: "Sep 20, 2025", CreatedAt: base.Add(-24 * time.Hour)},
		}
		messages := map[string][]*models.Message{
			"today_thread": {
				models.NewSystemMessage("r", "today_thread", "answer", models.StateComplete, base.Add(time.Second)),
				models.NewUserMessage("q", "today_thread", "question", base),
			},
		}
		require.NoError(t, s.ReplaceAll(ctx, owner, threads, messages))

		got, err := s.ListThreads(ctx, owner)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "today_thread", got[0].ID)
		assert.Equal(t, "thread_2025-09-20", got[1].ID)

		msgs, err := s.ListMessages(ctx, owner, "today_thread")
		require.NoError(t, err)
		assert.Equal(t, []string{"q", "r"}, ids(msgs))

		old, err := s.ListMessages(ctx, owner, "old")
		require.NoError(t, err)
		assert.Empty(t, old)
	})
}

func ids(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
