// Package bot is the Telegram front-end: every chat gets its own thread
// store and answers stream into an edited reply.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/chat"
	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/events"
	"github.com/xaenox/copilot-chat/internal/models"
)

const maxMessageLength = 4096

// Sender is the subset of the Telegram API the bot writes through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StoreFactory builds the thread store of one chat.
type StoreFactory func(owner string) *chat.Store

// StatusSource reports document processing for /status.
type StatusSource interface {
	Snapshot(ctx context.Context) (*models.StatusSnapshot, error)
}

type Bot struct {
	api          *tgbotapi.BotAPI
	sender       Sender
	newStore     StoreFactory
	status       StatusSource
	bus          *events.Bus
	editInterval time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	stores map[int64]*chat.Store
}

type Option func(*Bot)

func WithStatus(s StatusSource) Option {
	return func(b *Bot) { b.status = s }
}

// WithEditInterval limits how often a streaming reply is edited.
func WithEditInterval(d time.Duration) Option {
	return func(b *Bot) { b.editInterval = d }
}

func New(token string, newStore StoreFactory, bus *events.Bus, logger *zap.Logger, opts ...Option) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create bot")
	}

	b := NewWithSender(api, newStore, bus, logger, opts...)
	b.api = api
	return b, nil
}

// NewWithSender builds a bot that writes through sender and is fed with
// HandleUpdate instead of polling.
func NewWithSender(sender Sender, newStore StoreFactory, bus *events.Bus, logger *zap.Logger, opts ...Option) *Bot {
	b := &Bot{
		sender:       sender,
		newStore:     newStore,
		bus:          bus,
		editInterval: time.Second,
		logger:       logger,
		stores:       make(map[int64]*chat.Store),
	}
	for _, opt := range opts {
		opt(b)
	}
	if bus != nil {
		bus.Subscribe(b.handleSessionEnded, events.SessionEnded)
	}
	return b
}

// Start polls Telegram until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	if b.api == nil {
		return errors.New("bot has no Telegram connection")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.HandleUpdate(ctx, update)
		}
	}
}

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	b.handleMessage(ctx, update.Message)
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	b.handleQuestion(ctx, message.Chat.ID, message.MessageID, content)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "new":
		b.store(message.Chat.ID).NewThread()
		b.sendMessage(message.Chat.ID, "Started a new conversation. Ask me anything.")
	case "threads":
		b.handleThreads(ctx, message)
	case "use":
		b.handleUse(ctx, message)
	case "history":
		b.handleHistory(ctx, message)
	case "cancel":
		b.handleCancel(message)
	case "rename", "delete":
		b.handleThreadChange(ctx, message)
	case "status":
		b.handleStatus(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to the incident copilot!
Ask me about your network and I'll look it up in the knowledge base.

Every question goes to the current conversation; /new starts another one.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/new - Start a new conversation
/threads - List your conversations
/use <id> - Continue a conversation
/history - Reload past questions from the server
/cancel - Stop the answer being written
/status - Show document processing status

Send "mockfile" to receive a sample report file.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleThreads(ctx context.Context, message *tgbotapi.Message) {
	store := b.store(message.Chat.ID)
	threads, err := store.Threads(ctx)
	if err != nil {
		b.logger.Error("Failed to list threads",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, failed to retrieve your conversations. Please try again later.")
		return
	}

	if len(threads) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any conversations yet.")
		return
	}

	selected, _ := store.Selected()
	var response strings.Builder
	for _, group := range store.Groups(threads) {
		if len(group.Threads) == 0 {
			continue
		}
		response.WriteString("*" + escapeMarkdown(group.Label) + "*\n")
		for _, t := range group.Threads {
			marker := ""
			if t.ID == selected {
				marker = " ✅"
			}
			response.WriteString(fmt.Sprintf("%s `%s`%s\n", escapeMarkdown(t.Name), escapeCode(t.ID), marker))
		}
		response.WriteString("\n")
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, response.String())
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	b.send(msg)
}

func (b *Bot) handleUse(ctx context.Context, message *tgbotapi.Message) {
	threadID := strings.TrimSpace(message.CommandArguments())
	if threadID == "" {
		b.sendMessage(message.Chat.ID, "Usage: /use <conversation id>. See /threads.")
		return
	}

	store := b.store(message.Chat.ID)
	if err := store.SelectThread(ctx, threadID); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			b.sendErrorMessage(message.Chat.ID, "No such conversation. See /threads.")
			return
		}
		b.logger.Error("Failed to select thread", zap.Error(err), zap.String("thread_id", threadID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't open that conversation.")
		return
	}

	msgs, err := store.Messages(ctx, threadID)
	if err != nil || len(msgs) == 0 {
		b.sendMessage(message.Chat.ID, "Switched conversation.")
		return
	}
	last := msgs[len(msgs)-1]
	b.sendMessage(message.Chat.ID, truncate("Switched conversation. Last message:\n\n"+last.Output))
}

// handleThreadChange renames or deletes the selected conversation.
func (b *Bot) handleThreadChange(ctx context.Context, message *tgbotapi.Message) {
	store := b.store(message.Chat.ID)
	threadID, isNew := store.Selected()
	if isNew || threadID == "" {
		b.sendMessage(message.Chat.ID, "Select a conversation first. See /threads.")
		return
	}

	var err error
	if message.Command() == "rename" {
		name := strings.TrimSpace(message.CommandArguments())
		if name == "" {
			b.sendMessage(message.Chat.ID, "Usage: /rename <new name>")
			return
		}
		err = store.RenameThread(ctx, threadID, name)
	} else {
		err = store.DeleteThread(ctx, threadID)
	}

	switch {
	case err == nil:
		b.sendMessage(message.Chat.ID, "Done.")
	case errors.Is(err, errors.ErrNotImplemented):
		b.sendErrorMessage(message.Chat.ID, "This action is not available yet.")
	default:
		b.logger.Error("Failed to change thread",
			zap.Error(err),
			zap.String("thread_id", threadID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't change that conversation.")
	}
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	store := b.store(message.Chat.ID)
	if err := store.Load(ctx); err != nil {
		b.logger.Error("Failed to load history",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve your message history.")
		return
	}
	b.handleThreads(ctx, message)
}

func (b *Bot) handleCancel(message *tgbotapi.Message) {
	threadID, _ := b.store(message.Chat.ID).Selected()
	if threadID == "" || !b.store(message.Chat.ID).Cancel(threadID) {
		b.sendMessage(message.Chat.ID, "Nothing to cancel.")
	}
}

func (b *Bot) handleStatus(ctx context.Context, message *tgbotapi.Message) {
	if b.status == nil {
		b.sendMessage(message.Chat.ID, "Status is not available.")
		return
	}

	snap, err := b.status.Snapshot(ctx)
	if err != nil {
		b.logger.Error("Failed to fetch status", zap.Error(err))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't fetch the processing status.")
		return
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Completed: %d\nIn progress: %d\nFailed: %d\nPending: %d\n",
		snap.Counts.Completed, snap.Counts.InProgress, snap.Counts.Failed, snap.Counts.Pending)
	for _, e := range snap.Events {
		fmt.Fprintf(&text, "\n%s: %s", e.EventID, e.OverallStatus)
		if e.CurrentStage != "" {
			fmt.Fprintf(&text, " (%s, %.0f%%)", e.CurrentStage, e.ProgressPercentage)
		}
	}
	b.sendMessage(message.Chat.ID, truncate(text.String()))
}

// handleQuestion sends content to the chat's store and streams the answer
// into one reply that is edited as deltas arrive.
func (b *Bot) handleQuestion(ctx context.Context, chatID int64, replyTo int, content string) {
	store := b.store(chatID)
	if threadID, _ := store.Selected(); threadID != "" && store.Pending(threadID) {
		b.sendMessage(chatID, "Still answering your previous question. Use /cancel to stop it.")
		return
	}

	placeholder := tgbotapi.NewMessage(chatID, "…")
	placeholder.ReplyToMessageID = replyTo
	sent, err := b.sender.Send(placeholder)
	if err != nil {
		b.logger.Error("Failed to send placeholder", zap.Error(err), zap.Int64("chat_id", chatID))
		return
	}

	reply := &liveReply{bot: b, chatID: chatID, messageID: sent.MessageID}
	unsubscribe := b.bus.Subscribe(func(e events.Event) {
		if e.Owner != store.Owner() || e.Message == nil || !e.Message.IsLoading() {
			return
		}
		reply.update(e.Message.Output, false)
	}, events.MessageUpdated)
	defer unsubscribe()

	msg, err := store.Send(ctx, content)
	switch {
	case msg == nil && errors.Is(err, errors.ErrSendInProgress):
		reply.update("Still answering your previous question. Use /cancel to stop it.", true)
	case msg == nil:
		b.logger.Error("Failed to send question", zap.Error(err), zap.Int64("chat_id", chatID))
		reply.update("⚠️ "+chat.ConnectionErrorText, true)
	case msg.Kind == models.KindFile:
		reply.update(msg.Output, true)
		b.sendFile(chatID, msg.File)
	case msg.State == models.StateError:
		reply.update("⚠️ "+msg.Output, true)
	case msg.State == models.StateCancelled:
		reply.update(strings.TrimSpace(msg.Output+"\n\n(cancelled)"), true)
	default:
		reply.update(msg.Output, true)
	}
}

func (b *Bot) sendFile(chatID int64, file *models.FilePayload) {
	data, err := file.Decode()
	if err != nil {
		b.logger.Error("Failed to decode file", zap.Error(err), zap.String("filename", file.Filename))
		b.sendErrorMessage(chatID, "Sorry, the file I received is damaged.")
		return
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: file.Filename, Bytes: data})
	doc.Caption = file.Caption()
	b.send(doc)
}

func (b *Bot) handleSessionEnded(e events.Event) {
	if !e.Expired {
		return
	}

	b.mu.Lock()
	chatIDs := make([]int64, 0, len(b.stores))
	for id := range b.stores {
		chatIDs = append(chatIDs, id)
	}
	b.mu.Unlock()

	for _, id := range chatIDs {
		b.sendErrorMessage(id, "The copilot session expired. Ask the operator to log in again.")
	}
}

// store returns the chat's store, creating it on first use.
func (b *Bot) store(chatID int64) *chat.Store {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.stores[chatID]; ok {
		return s
	}
	s := b.newStore(fmt.Sprintf("tg:%d", chatID))
	b.stores[chatID] = s
	return s
}

// liveReply is the Telegram message an answer streams into.
type liveReply struct {
	bot       *Bot
	chatID    int64
	messageID int

	mu       sync.Mutex
	lastEdit time.Time
	lastText string
}

// update edits the reply. Intermediate updates are throttled; final ones
// always go out.
func (r *liveReply) update(text string, final bool) {
	text = truncate(text)
	if strings.TrimSpace(text) == "" {
		if !final {
			return
		}
		text = "(empty answer)"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if text == r.lastText {
		return
	}
	if !final && time.Since(r.lastEdit) < r.bot.editInterval {
		return
	}

	edit := tgbotapi.NewEditMessageText(r.chatID, r.messageID, text)
	if _, err := r.bot.sender.Send(edit); err != nil {
		r.bot.logger.Warn("Failed to edit reply",
			zap.Error(err),
			zap.Int64("chat_id", r.chatID))
		return
	}
	r.lastEdit = time.Now()
	r.lastText = text
}

// escapeMarkdown escapes every character MarkdownV2 reserves outside code
// spans.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// escapeCode escapes text placed inside a MarkdownV2 code span.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxMessageLength {
		return text
	}
	return string(runes[:maxMessageLength-1]) + "…"
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.sender.Send(c); err != nil {
		b.logger.Error("Failed to send message", zap.Error(err))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
