package models

import "time"

// Sender is the role attached to a message by the backend.
type Sender string

const (
	SenderUser   Sender = "USER"
	SenderSystem Sender = "SYSTEM"
)

// MessageKind discriminates the message variants a thread can hold.
type MessageKind string

const (
	KindUser    MessageKind = "user"
	KindSystem  MessageKind = "system"
	KindFile    MessageKind = "file"
	KindLoading MessageKind = "loading"
)

// MessageState is the terminal state of a system message.
type MessageState string

const (
	StateComplete  MessageState = "complete"
	StateError     MessageState = "error"
	StateCancelled MessageState = "cancelled"
)

// Thread represents a named conversation
type Thread struct {
	ID        string    `json:"_id"`
	Name      string    `json:"name"`
	Usecase   string    `json:"usecase_name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message represents one entry of a thread
type Message struct {
	ID        string       `json:"_id"`
	ThreadID  string       `json:"thread_id"`
	Kind      MessageKind  `json:"kind"`
	Sender    Sender       `json:"sender"`
	Output    string       `json:"output"`
	File      *FilePayload `json:"file,omitempty"`
	State     MessageState `json:"state,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

func (m *Message) IsLoading() bool {
	return m.Kind == KindLoading
}

func NewUserMessage(id, threadID, text string, at time.Time) *Message {
	return &Message{
		ID:        id,
		ThreadID:  threadID,
		Kind:      KindUser,
		Sender:    SenderUser,
		Output:    text,
		CreatedAt: at,
	}
}

func NewSystemMessage(id, threadID, text string, state MessageState, at time.Time) *Message {
	return &Message{
		ID:        id,
		ThreadID:  threadID,
		Kind:      KindSystem,
		Sender:    SenderSystem,
		Output:    text,
		State:     state,
		CreatedAt: at,
	}
}

func NewFileMessage(id, threadID string, file *FilePayload, at time.Time) *Message {
	return &Message{
		ID:        id,
		ThreadID:  threadID,
		Kind:      KindFile,
		Sender:    SenderSystem,
		Output:    file.Caption(),
		File:      file,
		State:     StateComplete,
		CreatedAt: at,
	}
}

func NewLoadingPlaceholder(id, threadID string, at time.Time) *Message {
	return &Message{
		ID:        id,
		ThreadID:  threadID,
		Kind:      KindLoading,
		Sender:    SenderSystem,
		CreatedAt: at,
	}
}
