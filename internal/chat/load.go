package chat

import (
	"context"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/copilot"
	"github.com/xaenox/copilot-chat/internal/events"
	"github.com/xaenox/copilot-chat/internal/models"
)

const (
	TodayThreadID    = "today_thread"
	TodayThreadName  = "Today's Conversation"
	TodayUsecase     = "Recent Chats"
	DayThreadUsecase = "System Agent"
	NewThreadUsecase = "New Conversation"

	dayThreadPrefix = "thread_"
	dayKeyLayout    = "2006-01-02"
	dayNameLayout   = "Jan 2, 2006"
)

type dayBucket struct {
	thread models.Thread
	pairs  []historyPair
}

// historyPair is one history item: its question and its answer.
type historyPair struct {
	asked  time.Time
	query  *models.Message
	answer *models.Message
}

// LoadHistory rebuilds the threads from the backend history: everything
// asked today goes to one thread, every earlier day gets a thread of its
// own. The most recent thread is selected. Fetch failures leave an empty
// store with the new-thread placeholder selected; they are logged, not
// returned.
func (s *Store) LoadHistory(ctx context.Context) error {
	items, err := s.backend.History(ctx)
	if err != nil {
		s.logger.Error("Failed to load history", zap.Error(err))
		return s.reset(ctx)
	}

	now := s.now().In(s.location)
	today := &dayBucket{thread: models.Thread{
		ID:        TodayThreadID,
		Name:      TodayThreadName,
		Usecase:   TodayUsecase,
		CreatedAt: now,
	}}
	days := make(map[string]*dayBucket)
	seen := make(map[string]bool, len(items))

	for i := range items {
		item := &items[i]
		asked, err := item.AskedAt()
		if err != nil {
			s.logger.Warn("Skipping history item",
				zap.String("query_id", item.Key()),
				zap.Error(err))
			continue
		}

		bucket := today
		local := asked.In(s.location)
		if !sameDay(local, now) {
			key := local.Format(dayKeyLayout)
			bucket = days[key]
			if bucket == nil {
				bucket = &dayBucket{thread: models.Thread{
					ID:        dayThreadPrefix + key,
					Name:      local.Format(dayNameLayout),
					Usecase:   DayThreadUsecase,
					CreatedAt: asked,
				}}
				days[key] = bucket
			}
			if asked.Before(bucket.thread.CreatedAt) {
				bucket.thread.CreatedAt = asked
			}
		}

		key := item.Key()
		if key == "" || seen[key] {
			key += "_" + strconv.Itoa(i)
		}
		seen[key] = true

		query, answer := historyMessages(item, key, bucket.thread.ID, asked)
		bucket.pairs = append(bucket.pairs, historyPair{asked: asked, query: query, answer: answer})
	}

	var buckets []*dayBucket
	if len(today.pairs) > 0 {
		buckets = append(buckets, today)
	}
	earlier := make([]*dayBucket, 0, len(days))
	for _, b := range days {
		earlier = append(earlier, b)
	}
	sort.Slice(earlier, func(i, j int) bool {
		return earlier[i].thread.ID > earlier[j].thread.ID
	})
	buckets = append(buckets, earlier...)

	threads := make([]models.Thread, 0, len(buckets))
	messages := make(map[string][]*models.Message, len(buckets))
	for _, b := range buckets {
		threads = append(threads, b.thread)
		messages[b.thread.ID] = b.ordered()
	}

	s.logger.Info("Loaded history",
		zap.Int("items", len(items)),
		zap.Int("threads", len(threads)))
	return s.replace(ctx, threads, messages)
}

// ordered lays the pairs out by question time, each answer right after its
// question. Equal timestamps keep the history order and are pushed forward
// so that no two messages of the thread share one.
func (b *dayBucket) ordered() []*models.Message {
	sort.SliceStable(b.pairs, func(i, j int) bool {
		return b.pairs[i].asked.Before(b.pairs[j].asked)
	})

	msgs := make([]*models.Message, 0, 2*len(b.pairs))
	for _, p := range b.pairs {
		msgs = append(msgs, p.query, p.answer)
	}
	for i := 1; i < len(msgs); i++ {
		if prev := msgs[i-1].CreatedAt; !msgs[i].CreatedAt.After(prev) {
			msgs[i].CreatedAt = prev.Add(time.Millisecond)
		}
	}
	return msgs
}

// historyMessages turns one history item into its query and answer. key
// must be unique among the loaded items.
func historyMessages(item *copilot.HistoryItem, key, threadID string, asked time.Time) (*models.Message, *models.Message) {
	query := models.NewUserMessage("msg_"+key+"_q", threadID, item.QueryText, asked)
	if query.Output == "" {
		query.Output = item.ResponseData.Query
	}

	answeredAt := asked.Add(time.Millisecond)
	if t, ok := item.AnsweredAt(); ok && t.After(asked) {
		answeredAt = t
	}

	id := "msg_" + key + "_r"
	if file, ok := item.AnswerFile(); ok {
		return query, models.NewFileMessage(id, threadID, file, answeredAt)
	}
	return query, models.NewSystemMessage(id, threadID, item.AnswerText(), models.StateComplete, answeredAt)
}

// LoadThreads fills the store from the saved threads of the chat API.
// ASSISTANT messages are shown as SYSTEM.
func (s *Store) LoadThreads(ctx context.Context) error {
	threads, err := s.backend.Threads(ctx)
	if err != nil {
		s.logger.Error("Failed to load threads", zap.Error(err))
		return s.reset(ctx)
	}

	messages := make(map[string][]*models.Message, len(threads))
	for _, t := range threads {
		list, err := s.backend.ThreadMessages(ctx, t.ID)
		if err != nil {
			s.logger.Error("Failed to load thread messages",
				zap.String("thread_id", t.ID),
				zap.Error(err))
			return s.reset(ctx)
		}

		msgs := make([]*models.Message, 0, len(list))
		for _, m := range list {
			if m.Sender == models.SenderUser {
				msgs = append(msgs, models.NewUserMessage(newMessageID(), t.ID, m.Content, m.Timestamp))
			} else {
				msgs = append(msgs, models.NewSystemMessage(newMessageID(), t.ID, m.Content, models.StateComplete, m.Timestamp))
			}
		}
		sortMessages(msgs)
		messages[t.ID] = msgs
	}

	s.logger.Info("Loaded threads", zap.Int("threads", len(threads)))
	return s.replace(ctx, threads, messages)
}

// replace installs a full thread list and selects its first thread.
func (s *Store) replace(ctx context.Context, threads []models.Thread, messages map[string][]*models.Message) error {
	if err := s.storage.ReplaceAll(ctx, s.owner, threads, messages); err != nil {
		return err
	}
	s.publish(events.Event{Type: events.ThreadsChanged})

	if len(threads) == 0 {
		s.NewThread()
		return nil
	}
	return s.SelectThread(ctx, threads[0].ID)
}

// reset empties the store and selects the new-thread placeholder.
func (s *Store) reset(ctx context.Context) error {
	return s.replace(ctx, nil, nil)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// sortMessages orders by timestamp; equal timestamps keep their order.
func sortMessages(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
