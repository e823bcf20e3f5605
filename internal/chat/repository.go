package chat

import "context"

// Repository is the relational store for chats, members and messages. Each
// call is atomic on its own. Implementations report a missing chat as
// apperr.KindNotFound and infrastructure failures as apperr.KindTransient.
type Repository interface {
	FindChatMembers(ctx context.Context, chatID int64) ([]int64, error)
	// AddMember is idempotent and reports whether the user was added.
	AddMember(ctx context.Context, chatID, userID int64) (bool, error)
	// RemoveMember reports whether the user was a member.
	RemoveMember(ctx context.Context, chatID, userID int64) (bool, error)
	// DeleteChatIfEmpty deletes the chat and its messages when it has no
	// members left and reports whether it did.
	DeleteChatIfEmpty(ctx context.Context, chatID int64) (bool, error)
	SaveMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error)
}
