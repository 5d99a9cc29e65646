package models

import "time"

// User owns chats and every memory row
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	CredentialHash string    `json:"-"`
	OAuthTokens    string    `json:"-"` // sealed JSON, empty when never linked
	CreatedAt      time.Time `json:"created_at"`
}

// Chat is a container for episodic turns and chat-scoped resources
type Chat struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxChatTitle bounds chat titles derived from the first query
const MaxChatTitle = 50

// ChatTitle derives a chat title from a query
func ChatTitle(query string) string {
	runes := []rune(query)
	if len(runes) == 0 {
		return "New Chat"
	}
	if len(runes) > MaxChatTitle {
		return string(runes[:MaxChatTitle])
	}
	return query
}
