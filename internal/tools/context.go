package tools

import "context"

type contextKey string

const (
	userIDKey     contextKey = "user_id"
	chatIDKey     contextKey = "chat_id"
	sessionKeyKey contextKey = "session_key"
)

// WithUserID adds the calling user's id to the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext extracts the calling user's id, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// WithChatID adds the originating chat id to the context.
func WithChatID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, chatIDKey, id)
}

// ChatIDFromContext extracts the originating chat id, or "".
func ChatIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(chatIDKey).(string)
	return id
}

// WithSessionKey adds the active session key to the context so
// memory-writing tools can record where an item came from.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey, key)
}

// SessionKeyFromContext extracts the active session key, or "".
func SessionKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(sessionKeyKey).(string)
	return key
}
