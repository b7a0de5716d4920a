package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/models"
)

type ownerData struct {
	threads  []models.Thread
	messages map[string][]*models.Message
}

type MemoryStorage struct {
	mu     sync.RWMutex
	owners map[string]*ownerData
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		owners: make(map[string]*ownerData),
	}
}

// data returns the owner's entry, creating it when asked to. Callers hold mu.
func (s *MemoryStorage) data(owner string, create bool) *ownerData {
	d, exists := s.owners[owner]
	if !exists && create {
		d = &ownerData{messages: make(map[string][]*models.Message)}
		s.owners[owner] = d
	}
	return d
}

func (s *MemoryStorage) ListThreads(ctx context.Context, owner string) ([]models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.data(owner, false)
	if d == nil {
		return []models.Thread{}, nil
	}
	return append([]models.Thread{}, d.threads...), nil
}

func (s *MemoryStorage) GetThread(ctx context.Context, owner, threadID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d := s.data(owner, false); d != nil {
		for _, t := range d.threads {
			if t.ID == threadID {
				thread := t
				return &thread, nil
			}
		}
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "thread %s", threadID)
}

func (s *MemoryStorage) SaveThread(ctx context.Context, owner string, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.data(owner, true)
	for i, t := range d.threads {
		if t.ID == thread.ID {
			d.threads[i] = *thread
			return nil
		}
	}
	d.threads = append([]models.Thread{*thread}, d.threads...)
	return nil
}

func (s *MemoryStorage) ReplaceAll(ctx context.Context, owner string, threads []models.Thread, messages map[string][]*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &ownerData{
		threads:  append([]models.Thread{}, threads...),
		messages: make(map[string][]*models.Message, len(messages)),
	}
	for threadID, msgs := range messages {
		copied := make([]*models.Message, 0, len(msgs))
		for _, m := range msgs {
			copied = append(copied, cloneMessage(m))
		}
		sortMessages(copied)
		d.messages[threadID] = copied
	}
	s.owners[owner] = d
	return nil
}

func (s *MemoryStorage) ListMessages(ctx context.Context, owner, threadID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.data(owner, false)
	if d == nil {
		return []*models.Message{}, nil
	}
	out := make([]*models.Message, 0, len(d.messages[threadID]))
	for _, m := range d.messages[threadID] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *MemoryStorage) SaveMessage(ctx context.Context, owner string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.data(owner, true)
	msgs := d.messages[msg.ThreadID]
	for i, m := range msgs {
		if m.ID == msg.ID {
			msgs[i] = cloneMessage(msg)
			sortMessages(msgs)
			return nil
		}
	}
	msgs = append(msgs, cloneMessage(msg))
	sortMessages(msgs)
	d.messages[msg.ThreadID] = msgs
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func sortMessages(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	if m.File != nil {
		f := *m.File
		c.File = &f
	}
	return &c
}
