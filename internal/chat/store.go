// Package chat is the view-side store of threads and messages. It applies
// optimistic updates while a query streams in and keeps the storage
// mirror and the event bus informed.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/copilot"
	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/events"
	"github.com/xaenox/copilot-chat/internal/models"
	"github.com/xaenox/copilot-chat/internal/storage"
	"github.com/xaenox/copilot-chat/internal/titler"
)

// Backend is the part of the copilot client the store talks to.
type Backend interface {
	Query(ctx context.Context, text string) *copilot.Stream
	History(ctx context.Context) ([]copilot.HistoryItem, error)
	Threads(ctx context.Context) ([]models.Thread, error)
	ThreadMessages(ctx context.Context, threadID string) ([]copilot.ThreadMessage, error)
	CreateThread(ctx context.Context, title string, metadata map[string]any) (*models.Thread, error)
	AppendMessage(ctx context.Context, threadID, message string) error
	SaveFeedback(ctx context.Context, threadID, messageID string, fb copilot.Feedback) error
}

// Session is notified when the backend rejects the credentials.
type Session interface {
	Logout(expired bool)
}

type Store struct {
	owner    string
	storage  storage.Storage
	backend  Backend
	session  Session
	titler   titler.Titler
	bus      *events.Bus
	logger   *zap.Logger
	now      func() time.Time
	location *time.Location
	mockData bool

	mu      sync.Mutex
	active  string
	isNew   bool
	last    time.Time
	pending map[string]*models.Message
	cancels map[string]context.CancelFunc
}

type Option func(*Store)

func WithSession(s Session) Option {
	return func(st *Store) { st.session = s }
}

func WithTitler(t titler.Titler) Option {
	return func(st *Store) { st.titler = t }
}

func WithBus(bus *events.Bus) Option {
	return func(st *Store) { st.bus = bus }
}

func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// WithLocation sets the zone calendar days are computed in.
func WithLocation(loc *time.Location) Option {
	return func(st *Store) { st.location = loc }
}

// WithMockData makes Load read the thread fixture instead of history.
func WithMockData(enabled bool) Option {
	return func(st *Store) { st.mockData = enabled }
}

func New(owner string, st storage.Storage, backend Backend, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		owner:    owner,
		storage:  st,
		backend:  backend,
		titler:   titler.NewSimpleTitler(titler.DefaultMaxLength),
		logger:   logger.With(zap.String("owner", owner)),
		now:      time.Now,
		location: time.Local,
		isNew:    true,
		pending:  make(map[string]*models.Message),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Owner() string {
	return s.owner
}

// Load fills the store from the mock fixture or from history.
func (s *Store) Load(ctx context.Context) error {
	if s.mockData {
		return s.LoadThreads(ctx)
	}
	return s.LoadHistory(ctx)
}

// Selected returns the active thread id; isNew is true while the unsaved
// placeholder is selected.
func (s *Store) Selected() (threadID string, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.isNew
}

// NewThread selects the unsaved placeholder thread.
func (s *Store) NewThread() {
	s.mu.Lock()
	s.active = ""
	s.isNew = true
	s.mu.Unlock()

	s.publish(events.Event{Type: events.ThreadSelected})
}

func (s *Store) SelectThread(ctx context.Context, threadID string) error {
	if _, err := s.storage.GetThread(ctx, s.owner, threadID); err != nil {
		return err
	}

	s.mu.Lock()
	s.active = threadID
	s.isNew = false
	s.mu.Unlock()

	s.publish(events.Event{Type: events.ThreadSelected, ThreadID: threadID})
	return nil
}

func (s *Store) Threads(ctx context.Context) ([]models.Thread, error) {
	return s.storage.ListThreads(ctx, s.owner)
}

func (s *Store) Messages(ctx context.Context, threadID string) ([]*models.Message, error) {
	return s.storage.ListMessages(ctx, s.owner, threadID)
}

// AppendUserMessage appends text to the thread right away, whatever the
// backend later says.
func (s *Store) AppendUserMessage(ctx context.Context, threadID, text string) (*models.Message, error) {
	msg := models.NewUserMessage(newMessageID(), threadID, text, s.tick())
	if err := s.storage.SaveMessage(ctx, s.owner, msg); err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.MessageAppended, ThreadID: threadID, Message: msg})
	return msg, nil
}

// AppendStreamingPlaceholder adds the loading message of an answer. A
// thread holds at most one.
func (s *Store) AppendStreamingPlaceholder(ctx context.Context, threadID string) (*models.Message, error) {
	if err := s.reserve(threadID); err != nil {
		return nil, err
	}
	return s.addPlaceholder(ctx, threadID)
}

// addPlaceholder stores the placeholder of a reserved thread.
func (s *Store) addPlaceholder(ctx context.Context, threadID string) (*models.Message, error) {
	msg := models.NewLoadingPlaceholder("ai_loading_"+uuid.NewString(), threadID, s.tick())
	if err := s.storage.SaveMessage(ctx, s.owner, msg); err != nil {
		s.release(threadID)
		return nil, err
	}

	s.mu.Lock()
	s.pending[threadID] = msg
	s.mu.Unlock()

	s.publish(events.Event{Type: events.MessageAppended, ThreadID: threadID, Message: msg})
	return msg, nil
}

// reserve claims the thread for one send.
func (s *Store) reserve(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.pending[threadID]; busy {
		return errors.Wrapf(errors.ErrSendInProgress, "thread %s", threadID)
	}
	s.pending[threadID] = nil
	return nil
}

func (s *Store) release(threadID string) {
	s.mu.Lock()
	delete(s.pending, threadID)
	s.mu.Unlock()
}

// Pending reports whether an answer is streaming into the thread.
func (s *Store) Pending(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.pending[threadID]
	return busy
}

// UpdateStreamingMessage replaces the output of the loading message.
func (s *Store) UpdateStreamingMessage(ctx context.Context, threadID, output string) error {
	s.mu.Lock()
	placeholder := s.pending[threadID]
	if placeholder == nil {
		s.mu.Unlock()
		return errors.Wrapf(errors.ErrNotFound, "no streaming message in thread %s", threadID)
	}
	placeholder.Output = output
	msg := *placeholder
	s.mu.Unlock()

	if err := s.storage.SaveMessage(ctx, s.owner, &msg); err != nil {
		return err
	}
	s.publish(events.Event{Type: events.MessageUpdated, ThreadID: threadID, Message: &msg})
	return nil
}

// Result is what a loading message turns into.
type Result struct {
	Kind  models.MessageKind
	Text  string
	File  *models.FilePayload
	State models.MessageState
}

func Answer(text string) Result {
	return Result{Kind: models.KindSystem, Text: text, State: models.StateComplete}
}

func FileAnswer(file *models.FilePayload) Result {
	return Result{Kind: models.KindFile, Text: file.Caption(), File: file, State: models.StateComplete}
}

func Failure(text string) Result {
	return Result{Kind: models.KindSystem, Text: text, State: models.StateError}
}

// Cancelled keeps whatever text arrived before the abort.
func Cancelled(partial string) Result {
	return Result{Kind: models.KindSystem, Text: partial, State: models.StateCancelled}
}

// FinalizeStreamingMessage swaps the loading message for its result. The
// message keeps its id and position.
func (s *Store) FinalizeStreamingMessage(ctx context.Context, threadID string, result Result) (*models.Message, error) {
	s.mu.Lock()
	placeholder := s.pending[threadID]
	if placeholder == nil {
		s.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrNotFound, "no streaming message in thread %s", threadID)
	}
	delete(s.pending, threadID)
	s.mu.Unlock()

	var msg *models.Message
	if result.Kind == models.KindFile && result.File != nil {
		msg = models.NewFileMessage(placeholder.ID, threadID, result.File, placeholder.CreatedAt)
	} else {
		state := result.State
		if state == "" {
			state = models.StateComplete
		}
		msg = models.NewSystemMessage(placeholder.ID, threadID, result.Text, state, placeholder.CreatedAt)
	}

	if err := s.storage.SaveMessage(ctx, s.owner, msg); err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.MessageUpdated, ThreadID: threadID, Message: msg})
	return msg, nil
}

// RenameThread is not supported by the backend yet.
func (s *Store) RenameThread(ctx context.Context, threadID, name string) error {
	return errors.Wrapf(errors.ErrNotImplemented, "rename thread %s", threadID)
}

// DeleteThread is not supported by the backend yet.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	return errors.Wrapf(errors.ErrNotImplemented, "delete thread %s", threadID)
}

// Feedback records a vote on an answer.
func (s *Store) Feedback(ctx context.Context, threadID, messageID string, fb copilot.Feedback) error {
	if err := s.backend.SaveFeedback(ctx, threadID, messageID, fb); err != nil {
		s.logger.Error("Failed to save feedback",
			zap.String("thread_id", threadID),
			zap.String("message_id", messageID),
			zap.Error(err))
		return err
	}
	return nil
}

// tick returns the current time, moved forward when needed so that
// consecutive calls are strictly increasing.
func (s *Store) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

func (s *Store) publish(ev events.Event) {
	ev.Owner = s.owner
	s.bus.Publish(ev)
}

func newMessageID() string {
	return "msg_" + uuid.NewString()
}
