// Package chat is the thin application layer over the client: the chat
// schema, the writes the UI issues and the live queries it subscribes to.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/mutation"
	"github.com/roach88/lofi/internal/query"
	"github.com/roach88/lofi/internal/schema"
)

// Collection names.
const (
	Chats    = "chats"
	Messages = "messages"
)

// PageSize is how many messages one "load more" step adds.
const PageSize = 20

// DefaultChatName names chats created without a name.
const DefaultChatName = "New Chat"

// NoMessages is the snippet shown for an empty chat.
const NoMessages = "No messages"

// ErrEmptyMessage is returned when sending a blank message.
var ErrEmptyMessage = errors.New("message text is empty")

// Writer is the part of client.Client the chat writes need.
type Writer interface {
	Insert(ctx context.Context, collection string, attrs ir.Object) (string, error)
	Update(ctx context.Context, collection, id string, draft mutation.Draft) error
}

// Schema returns the built-in chat schema.
func Schema() (*schema.Schema, error) {
	return schema.Chat()
}

// CreateChat inserts a chat and returns its id.
func CreateChat(ctx context.Context, w Writer, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultChatName
	}
	id, err := w.Insert(ctx, Chats, ir.Object{"name": ir.String(name)})
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	return id, nil
}

// RenameChat changes a chat's name.
func RenameChat(ctx context.Context, w Writer, chatID, name string) error {
	err := w.Update(ctx, Chats, chatID, func(attrs ir.Object) error {
		attrs["name"] = ir.String(name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rename chat %s: %w", chatID, err)
	}
	return nil
}

// SendMessage posts text to a chat as user. createdAt is filled by the
// schema default.
func SendMessage(ctx context.Context, w Writer, chatID, user, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	id, err := w.Insert(ctx, Messages, ir.Object{
		"chatId": ir.String(chatID),
		"user":   ir.String(user),
		"text":   ir.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return id, nil
}

// ChatsQuery lists every chat.
func ChatsQuery() query.Spec {
	return query.Spec{Collection: Chats, Order: []query.OrderKey{query.Asc("name")}}
}

// MessagesQuery returns the newest limit messages of a chat, newest first.
func MessagesQuery(chatID string, limit int) query.Spec {
	return query.Spec{
		Collection: Messages,
		Where:      []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String(chatID)}},
		Order:      []query.OrderKey{query.Desc("createdAt")},
		Limit:      limit,
	}
}

// PendingMessagesQuery is MessagesQuery restricted to unsent messages.
func PendingMessagesQuery(chatID string, limit int) query.Spec {
	s := MessagesQuery(chatID, limit)
	s.SyncStatus = ir.Pending
	return s
}

// SnippetQuery selects the latest message of a chat.
func SnippetQuery(chatID string) query.Spec {
	return MessagesQuery(chatID, 1)
}

// Chat is a decoded chats entity.
type Chat struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Pending bool   `json:"pending,omitempty"`
}

// Message is a decoded messages entity.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Pending   bool      `json:"pending,omitempty"`
}

// ChatFrom decodes a chats entity.
func ChatFrom(e ir.Entity) Chat {
	return Chat{
		ID:      e.ID,
		Name:    str(e.Attributes["name"]),
		Pending: e.SyncStatus == ir.Pending,
	}
}

// MessageFrom decodes a messages entity.
func MessageFrom(e ir.Entity) Message {
	m := Message{
		ID:      e.ID,
		ChatID:  str(e.Attributes["chatId"]),
		User:    str(e.Attributes["user"]),
		Text:    str(e.Attributes["text"]),
		Pending: e.SyncStatus == ir.Pending,
	}
	if ms, ok := e.Attributes["createdAt"].(ir.Int); ok {
		m.CreatedAt = time.UnixMilli(int64(ms)).UTC()
	}
	return m
}

// Snippet returns the text of the first result, or NoMessages.
func Snippet(results []ir.Entity) string {
	if len(results) == 0 {
		return NoMessages
	}
	return MessageFrom(results[0]).Text
}

// Thread turns a newest-first MessagesQuery result into display order,
// oldest first.
func Thread(results []ir.Entity) []Message {
	out := make([]Message, len(results))
	for i, e := range results {
		out[len(results)-1-i] = MessageFrom(e)
	}
	return out
}

func str(v ir.Value) string {
	if s, ok := v.(ir.String); ok {
		return string(s)
	}
	return ""
}
