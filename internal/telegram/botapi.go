// Package telegram is the chat adapter: one forum topic per session in a
// supergroup, DM sessions for known people, a control topic for fleet
// commands, and a pinned roster mirroring peer liveness.
package telegram

import "context"

// Update is one incoming chat message, already reduced to the fields the
// adapter routes on.
type Update struct {
	ChatID    int64
	TopicID   int64
	UserID    int64
	Username  string
	MessageID int64
	Text      string
}

// BotAPI is the chat service surface the adapter programs against. The
// concrete client is injected at daemon wiring; tests use a fake.
type BotAPI interface {
	// CreateTopic makes a forum topic in the supergroup and returns its ID.
	CreateTopic(ctx context.Context, chatID int64, title string) (int64, error)

	// CloseTopic archives a topic. Best-effort at session teardown.
	CloseTopic(ctx context.Context, chatID, topicID int64) error

	// SendMessage posts text into a topic (topicID 0 = main thread or DM)
	// and returns the message ID.
	SendMessage(ctx context.Context, chatID, topicID int64, text string) (int64, error)

	// EditMessage rewrites a previously sent message.
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error

	// PinMessage pins a message in the chat.
	PinMessage(ctx context.Context, chatID, messageID int64) error

	// Updates returns the incoming message stream. The channel closes when
	// ctx ends.
	Updates(ctx context.Context) (<-chan Update, error)
}
