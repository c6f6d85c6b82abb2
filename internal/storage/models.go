package storage

import "time"

type Chat struct {
	ID           int64
	Title        *string
	Model        string
	SystemPrompt *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	ID        int64
	ChatID    int64
	Role      string
	Content   string
	Model     *string
	CreatedAt time.Time
}

// AuditEntry is the durable record of one turn, written exactly once after
// the terminal state is known.
type AuditEntry struct {
	ID              int64
	ChatID          int64
	Model           string
	RequestJSON     string
	ContextText     string
	CollectionsJSON string
	InputTokens     int
	OutputTokens    int
	DurationMS      int64
	Response        string
	Error           string
	UserMessage     string
	CreatedAt       time.Time
}

type ProviderConfig struct {
	ID         int64
	Name       string
	Kind       string
	BaseURL    string
	EncAPIKey  *string
	ModelsJSON string
	Enabled    bool
	CreatedAt  time.Time
}
